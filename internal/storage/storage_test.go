package storage

import (
	"context"
	"testing"
)

func TestTenantKey(t *testing.T) {
	got := TenantKey("space00000", "tasks", "42", "report.csv")
	if got != "space00000/tasks/42/report.csv" {
		t.Fatalf("got %q", got)
	}
}

func TestTenantKeyRejectsTraversal(t *testing.T) {
	got := TenantKey("space00000", "../other-tenant/secret.csv")
	if got != "other-tenant/secret.csv" && got != "secret.csv" {
		// Clean collapses the traversal; what matters is no leading "..".
		if len(got) >= 2 && got[:2] == ".." {
			t.Fatalf("traversal survived: %q", got)
		}
	}
}

func TestLocalRoundtrip(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(t.TempDir())

	key := TenantKey("space00000", "tasks", "1", "report.csv")
	if _, err := l.Save(ctx, key, []byte("a,b,c"), "text/csv"); err != nil {
		t.Fatalf("save: %v", err)
	}

	body, err := l.Open(ctx, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(body) != "a,b,c" {
		t.Fatalf("got %q", body)
	}

	files, err := l.ListDir(ctx, "space00000/tasks/1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one file, got %v", files)
	}

	if err := l.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := l.Open(ctx, key); err == nil {
		t.Fatal("expected error after delete")
	}
}

func TestLocalListMissingDir(t *testing.T) {
	l := NewLocal(t.TempDir())
	files, err := l.ListDir(context.Background(), "nope")
	if err != nil {
		t.Fatalf("list missing dir: %v", err)
	}
	if files != nil {
		t.Fatalf("expected nil, got %v", files)
	}
}
