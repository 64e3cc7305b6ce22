package progress

import (
	"context"
	"errors"
	"testing"
)

func TestIndicator_Cancel(t *testing.T) {
	ind := NewIndicator(context.Background())
	if ind.IsCanceled() {
		t.Fatal("new indicator is canceled")
	}
	if err := ind.CheckCanceled(); err != nil {
		t.Fatalf("CheckCanceled() = %v", err)
	}

	ind.Cancel()
	ind.Cancel()

	if !ind.IsCanceled() {
		t.Error("IsCanceled() = false after Cancel")
	}
	if err := ind.CheckCanceled(); !errors.Is(err, ErrCanceled) {
		t.Errorf("CheckCanceled() = %v, want ErrCanceled", err)
	}
	if ind.Context().Err() == nil {
		t.Error("context not canceled")
	}
}

func TestIndicator_ParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ind := NewIndicator(parent)
	cancel()
	if !ind.IsCanceled() {
		t.Error("indicator not canceled with its parent")
	}
}

func TestIndicator_TextAndFraction(t *testing.T) {
	ind := NewIndicator(context.TODO())
	if ind.Text() != "" {
		t.Errorf("Text() = %q, want empty", ind.Text())
	}
	ind.SetText("scanning")
	if ind.Text() != "scanning" {
		t.Errorf("Text() = %q", ind.Text())
	}

	tests := []struct{ in, want int }{{-5, 0}, {500, 500}, {2000, 1000}}
	for _, tt := range tests {
		ind.SetFraction(tt.in)
		if got := ind.Fraction(); got != tt.want {
			t.Errorf("SetFraction(%d): Fraction() = %d, want %d", tt.in, got, tt.want)
		}
	}
}
