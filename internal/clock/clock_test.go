package clock

import (
	"testing"
	"time"
)

func TestNow_ReturnsCurrentTime(t *testing.T) {
	before := time.Now()
	result := Now()
	after := time.Now()

	if result.Before(before) || result.After(after) {
		t.Errorf("Now() returned %v, expected between %v and %v", result, before, after)
	}
}

func TestMockClock_Now(t *testing.T) {
	mockTime := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(mockTime)

	if result := mock.Now(); !result.Equal(mockTime) {
		t.Errorf("MockClock.Now() returned %v, expected exactly %v", result, mockTime)
	}
}

func TestMockClock_Advance(t *testing.T) {
	mockTime := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(mockTime)

	first := mock.Now()
	mock.Advance(time.Hour)
	second := mock.Now()

	if expected := mockTime.Add(time.Hour); !second.Equal(expected) {
		t.Errorf("After Advance, Now() = %v, expected %v", second, expected)
	}
	if !first.Equal(mockTime) {
		t.Errorf("Before Advance, Now() = %v, expected %v", first, mockTime)
	}
	if got := mock.Since(mockTime); got != time.Hour {
		t.Errorf("Since() = %v, expected 1h", got)
	}
}

func TestMockClock_Set(t *testing.T) {
	mock := NewMockClock(time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC))

	newTime := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	mock.Set(newTime)

	if !mock.Now().Equal(newTime) {
		t.Errorf("After Set, Now() = %v, expected %v", mock.Now(), newTime)
	}
}

func TestDue(t *testing.T) {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(start)

	if Due(mock, start, 3*time.Second) {
		t.Error("Due() reported true before the interval elapsed")
	}
	mock.Advance(3 * time.Second)
	if !Due(mock, start, 3*time.Second) {
		t.Error("Due() reported false once the interval elapsed")
	}
}
