package auth

import (
	"context"
	"errors"
	"testing"
)

func TestPasskey(t *testing.T) {
	ctx := context.Background()
	a := NewPasskey("s3cret")

	id, err := a.Authenticate(ctx, "Ada", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if id.DisplayName != "Ada" || id.UserID == "" || id.Color == "" {
		t.Fatalf("got %+v", id)
	}

	_, err = a.Authenticate(ctx, "Mallory", "guess")
	var ua *UnauthorizedError
	if !errors.As(err, &ua) {
		t.Fatalf("got %v, want UnauthorizedError", err)
	}
}

func TestOpenAssignsDefaults(t *testing.T) {
	id, err := Open{}.Authenticate(context.Background(), "  ", "")
	if err != nil {
		t.Fatal(err)
	}
	if id.DisplayName != "anonymous" {
		t.Fatalf("got %q", id.DisplayName)
	}
}

func TestColorStablePerName(t *testing.T) {
	if colorFor("Ada") != colorFor("Ada") {
		t.Fatal("color not stable")
	}
}
