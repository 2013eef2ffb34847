package rag

import "testing"

func TestClassifyIntentsTable(t *testing.T) {
	cases := []struct {
		query   string
		persons bool
		want    []QueryIntent
	}{
		{"How old is Dana?", true, []QueryIntent{IntentPersonFacts}},
		{"What did Yossi say about the apartment?", true, []QueryIntent{IntentPersonHistory}},
		{"Tell me about Rina's sister", true, []QueryIntent{IntentPersonHistory, IntentFamilyContext}},
		{"Find the invoice from the garage", false, []QueryIntent{IntentAssetAttachment}},
		{"Was it also in email or only whatsapp?", false, []QueryIntent{IntentCrossChannel}},
		{"Show me that chat about the trip", false, []QueryIntent{IntentAssetThread}},
		{"what is the capital of France", false, []QueryIntent{IntentGeneral}},
	}
	for _, tc := range cases {
		got := classifyIntents(tc.query, tc.persons)
		if len(got) != len(tc.want) {
			t.Fatalf("%q: want %v, got %v", tc.query, tc.want, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%q: want %v, got %v", tc.query, tc.want, got)
			}
		}
	}
}

func TestClassifyIntentsHebrew(t *testing.T) {
	got := classifyIntents("בן כמה דני?", true)
	if !hasIntent(got, IntentPersonFacts) {
		t.Fatalf("hebrew age question should classify as person facts, got %v", got)
	}
	got = classifyIntents("מה רינה אמרה על הדירה?", true)
	if !hasIntent(got, IntentPersonHistory) {
		t.Fatalf("hebrew history question should classify as person history, got %v", got)
	}
	got = classifyIntents("איפה החשבונית מהמוסך?", false)
	if !hasIntent(got, IntentAssetAttachment) {
		t.Fatalf("hebrew attachment question should classify as attachment, got %v", got)
	}
}

func TestPersonHistoryFallbackNeedsResolvedPersons(t *testing.T) {
	withPersons := classifyIntents("anything about the weekend plans with everyone", true)
	if !hasIntent(withPersons, IntentPersonHistory) {
		t.Fatalf("resolved persons with no pattern should fall back to person history, got %v", withPersons)
	}
	without := classifyIntents("anything about the weekend plans", false)
	if len(without) != 1 || without[0] != IntentGeneral {
		t.Fatalf("no pattern and no persons should be general, got %v", without)
	}
}

func TestExtractNamesSkipsQueryStructure(t *testing.T) {
	names := extractNames("What did Dana Cohen write about the lease?")
	if len(names) != 1 || names[0] != "Dana Cohen" {
		t.Fatalf("want [Dana Cohen], got %v", names)
	}
	names = extractNames("מה הכתובת של משה?")
	if len(names) != 1 || names[0] != "משה" {
		t.Fatalf("hebrew possessive name extraction failed, got %v", names)
	}
	if got := extractNames("where is the nearest pharmacy"); len(got) != 0 {
		t.Fatalf("no names expected, got %v", got)
	}
}
