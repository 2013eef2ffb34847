package rag

import "regexp"

// QueryIntent gates retrieval-time graph expansion. Multiple intents can
// fire for one query.
type QueryIntent string

const (
	IntentPersonFacts     QueryIntent = "PERSON_FACTS"
	IntentPersonHistory   QueryIntent = "PERSON_HISTORY"
	IntentFamilyContext   QueryIntent = "FAMILY_CONTEXT"
	IntentAssetThread     QueryIntent = "ASSET_THREAD"
	IntentAssetAttachment QueryIntent = "ASSET_ATTACHMENT"
	IntentCrossChannel    QueryIntent = "CROSS_CHANNEL"
	IntentGeneral         QueryIntent = "GENERAL"
)

// intentPatterns are compiled once at startup. English and Hebrew run in the
// same table; the classifier is pure and never calls a model.
var intentPatterns = []struct {
	intent QueryIntent
	re     *regexp.Regexp
}{
	{IntentPersonFacts, regexp.MustCompile(`(?i)\b(how old|age of|birthday|born|id number|phone number|email of|address of|where does .{1,40} live|what does .{1,40} do)\b|בן כמה|בת כמה|יום הולדת|תעודת זהות|מספר טלפון|איפה .{1,40} גר|במה .{1,40} עובד`)},
	{IntentPersonHistory, regexp.MustCompile(`(?i)\bwhat (did|does|has) .{1,60} (say|said|write|written|sent|mention)|tell me about\b|מה .{1,60} (אמר|אמרה|כתב|כתבה|שלח|שלחה)|ספר לי על`)},
	{IntentFamilyContext, regexp.MustCompile(`(?i)\b(family|wife|husband|spouse|mother|father|mom|dad|sister|brother|son|daughter|parents|children|kids|grandma|grandpa)\b|משפחה|אשתו|בעלה|אמא|אבא|אחות|אח של|בן של|בת של|הורים|ילדים|סבתא|סבא`)},
	{IntentAssetThread, regexp.MustCompile(`(?i)\b(thread|conversation|chat history|discussion|context of|that chat)\b|שרשור|שיחה|ההתכתבות|ההקשר`)},
	{IntentAssetAttachment, regexp.MustCompile(`(?i)\b(file|attachment|document|pdf|photo|picture|image|receipt|invoice)\b|קובץ|מסמך|צרופה|תמונה|קבלה|חשבונית`)},
	{IntentCrossChannel, regexp.MustCompile(`(?i)\b(also in (email|mail|whatsapp)|across channels|in both|everywhere)\b|גם במייל|גם בוואטסאפ|בכל הערוצים`)},
}

// classifyIntents runs the pattern table over the condensed query. Returns
// GENERAL alone when nothing fires and no persons resolved;
// hasResolvedPersons adds the PERSON_HISTORY fallback.
func classifyIntents(query string, hasResolvedPersons bool) []QueryIntent {
	var out []QueryIntent
	seen := map[QueryIntent]bool{}
	for _, p := range intentPatterns {
		if p.re.MatchString(query) && !seen[p.intent] {
			seen[p.intent] = true
			out = append(out, p.intent)
		}
	}
	if len(out) == 0 && hasResolvedPersons {
		out = append(out, IntentPersonHistory)
	}
	if len(out) == 0 {
		out = append(out, IntentGeneral)
	}
	return out
}

func hasIntent(intents []QueryIntent, intent QueryIntent) bool {
	for _, i := range intents {
		if i == intent {
			return true
		}
	}
	return false
}
