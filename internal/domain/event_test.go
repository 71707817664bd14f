package domain

import "testing"

func TestEvent_Terminal(t *testing.T) {
	tests := []struct {
		typ  EventType
		want bool
	}{
		{EventOutput, false},
		{EventExecutionStart, false},
		{EventWarning, false},
		{EventConfirmationRequired, false},
		{EventExecutionComplete, true},
		{EventError, true},
	}
	for _, tt := range tests {
		if got := (Event{Type: tt.typ}).Terminal(); got != tt.want {
			t.Errorf("%s: Terminal() = %v, want %v", tt.typ, got, tt.want)
		}
	}
}
