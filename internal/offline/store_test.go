package offline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/starford/offsync/internal/apperr"
	"github.com/starford/offsync/internal/models"
	"github.com/starford/offsync/internal/testutil"
)

var group = models.GroupKey{SiteID: "s1", EntityID: "quiz-1"}

func TestAppendListOrder(t *testing.T) {
	s := NewStore(testutil.TestDB(t), nil)
	ctx := context.Background()

	var ids []int64
	for _, p := range []string{`{"q":1}`, `{"q":2}`, `{"q":3}`} {
		id, err := s.Append(ctx, group, json.RawMessage(p), 4)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, id)
	}

	for i := 0; i < 2; i++ { // List is restartable
		list, err := s.List(ctx, group)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list) != 3 {
			t.Fatalf("len = %d", len(list))
		}
		for j, a := range list {
			if a.ID != ids[j] {
				t.Errorf("order[%d] = %d, want %d", j, a.ID, ids[j])
			}
			if j > 0 && !a.CreatedAt.After(list[j-1].CreatedAt) {
				t.Errorf("created_at not increasing at %d", j)
			}
		}
		if string(list[1].Payload) != `{"q":2}` {
			t.Errorf("payload = %s", list[1].Payload)
		}
	}
}

func TestAppendValidation(t *testing.T) {
	s := NewStore(testutil.TestDB(t), nil)
	ctx := context.Background()

	if _, err := s.Append(ctx, group, json.RawMessage(`{bad`), 0); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("invalid JSON err = %v", err)
	}
	if _, err := s.Append(ctx, models.GroupKey{SiteID: "s1"}, json.RawMessage(`{}`), 0); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("missing entity err = %v", err)
	}
}

func TestClearGroupAndRemove(t *testing.T) {
	s := NewStore(testutil.TestDB(t), nil)
	ctx := context.Background()
	other := models.GroupKey{SiteID: "s1", EntityID: "quiz-2"}

	_, _ = s.Append(ctx, group, json.RawMessage(`1`), 0)
	_, _ = s.Append(ctx, group, json.RawMessage(`2`), 0)
	keep, _ := s.Append(ctx, other, json.RawMessage(`3`), 0)

	groups, _ := s.Groups(ctx, "s1")
	if len(groups) != 2 {
		t.Errorf("groups = %v", groups)
	}

	if err := s.ClearGroup(ctx, group); err != nil {
		t.Fatalf("ClearGroup: %v", err)
	}
	if has, _ := s.HasData(ctx, group); has {
		t.Error("group still has data")
	}
	if has, _ := s.HasData(ctx, other); !has {
		t.Error("other group lost data")
	}

	if err := s.Remove(ctx, keep); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(ctx, keep); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second Remove err = %v", err)
	}
	sites, _ := s.Sites(ctx)
	if len(sites) != 0 {
		t.Errorf("sites = %v", sites)
	}
}
