package conversations

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/recallhq/recall-backend/internal/platform/apierr"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:conv_%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.Conversation{}, &types.ConversationMessage{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewStore(db, log)
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx, "test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, conv.ID, "user", fmt.Sprintf("msg %d", i), nil, 0); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, err := s.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("want 5 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("message %d has seq %d", i, m.Seq)
		}
	}
}

func TestConcurrentAppendsKeepSeqUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx, "race")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Append(ctx, conv.ID, "user", fmt.Sprintf("m%d", i), nil, 0); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	msgs, err := s.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	seen := map[int64]bool{}
	for _, m := range msgs {
		if seen[m.Seq] {
			t.Fatalf("duplicate seq %d", m.Seq)
		}
		seen[m.Seq] = true
	}
	if len(msgs) != n {
		t.Fatalf("want %d messages, got %d", n, len(msgs))
	}
}

func TestRecentReturnsTailInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, _ := s.Create(ctx, "tail")
	for i := 1; i <= 6; i++ {
		if _, err := s.Append(ctx, conv.ID, "user", fmt.Sprintf("m%d", i), nil, 0); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	recent, err := s.Recent(ctx, conv.ID, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("want 3, got %d", len(recent))
	}
	if recent[0].Content != "m4" || recent[2].Content != "m6" {
		t.Fatalf("recent should be the last 3 in send order: %v", recent)
	}
}

func TestDeleteCascadesAndReports404(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, _ := s.Create(ctx, "gone")
	if _, err := s.Append(ctx, conv.ID, "user", "hello", nil, 0); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Delete(ctx, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, conv.ID); apierr.Status(err) != 404 {
		t.Fatalf("deleted conversation should 404, got %v", err)
	}
	if err := s.Delete(ctx, conv.ID); apierr.Status(err) != 404 {
		t.Fatalf("double delete should 404, got %v", err)
	}
}
