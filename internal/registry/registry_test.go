package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/starford/offsync/internal/apperr"
	"github.com/starford/offsync/internal/models"
)

type stubHandler struct {
	key     string
	enabled bool
}

func (s stubHandler) TypeKey() string { return s.key }
func (s stubHandler) IsEnabled(context.Context, string) (bool, error) {
	return s.enabled, nil
}
func (s stubHandler) Download(context.Context, models.Resource) (models.DownloadResult, error) {
	return models.DownloadResult{}, nil
}
func (s stubHandler) Prefetch(context.Context, models.Resource) (models.DownloadResult, error) {
	return models.DownloadResult{}, nil
}
func (s stubHandler) InvalidateContent(context.Context, models.ResourceKey) error { return nil }
func (s stubHandler) GetDownloadSize(context.Context, models.Resource) (int64, error) {
	return 0, nil
}
func (s stubHandler) DetermineStatus(current models.Status, _ bool) models.Status { return current }

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	if err := r.Register(stubHandler{key: "page", enabled: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h, ok := r.Resolve("page")
	if !ok || h.TypeKey() != "page" {
		t.Fatalf("Resolve(page) = %v, %v", h, ok)
	}
	if _, ok := r.Resolve("quiz"); ok {
		t.Error("Resolve(quiz) should miss")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	_ = r.Register(stubHandler{key: "page"})
	err := r.Register(stubHandler{key: "page"})
	if !errors.Is(err, apperr.ErrDuplicateHandler) {
		t.Fatalf("err = %v, want ErrDuplicateHandler", err)
	}
}

func TestRegisterEmptyKey(t *testing.T) {
	if err := New().Register(stubHandler{}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	New().MustRegister(stubHandler{key: "a"}, stubHandler{key: "a"})
}

func TestTypesAndIsEnabled(t *testing.T) {
	r := New()
	r.MustRegister(stubHandler{key: "page", enabled: true}, stubHandler{key: "folder"})

	types := r.Types()
	if len(types) != 2 || types[0] != "folder" || types[1] != "page" {
		t.Errorf("Types = %v", types)
	}

	ctx := context.Background()
	if ok, _ := r.IsEnabled(ctx, "page", "s1"); !ok {
		t.Error("page should be enabled")
	}
	if ok, _ := r.IsEnabled(ctx, "folder", "s1"); ok {
		t.Error("folder should be disabled")
	}
	if ok, err := r.IsEnabled(ctx, "missing", "s1"); ok || err != nil {
		t.Errorf("missing = %v, %v", ok, err)
	}
}
