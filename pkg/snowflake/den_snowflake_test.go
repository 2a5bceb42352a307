package snowflake

import (
	"sort"
	"sync"
	"testing"
	"time"
)

func TestNewGenerator(t *testing.T) {
	tests := []struct {
		name    string
		node    int64
		wantErr bool
	}{
		{"node 0", 0, false},
		{"node max", 1023, false},
		{"negative", -1, true},
		{"too large", 1024, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGenerator(tt.node)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewGenerator(%d) error = %v, wantErr %v", tt.node, err, tt.wantErr)
			}
		})
	}
}

func TestNext_StrictlyIncreasing(t *testing.T) {
	gen, _ := NewGenerator(7)

	prev := gen.Next()
	for i := 0; i < 10000; i++ {
		id := gen.Next()
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
	if Node(prev) != 7 {
		t.Errorf("Node() = %d, want 7", Node(prev))
	}
}

func TestNext_ClockBackwards(t *testing.T) {
	gen, _ := NewGenerator(1)
	clock := int64(1_800_000_000_000)
	gen.now = func() int64 { return clock }

	a := gen.Next()
	clock -= 5000
	b := gen.Next()
	if b <= a {
		t.Fatalf("id after clock step back %d <= %d", b, a)
	}
}

func TestNext_Concurrent(t *testing.T) {
	gen, _ := NewGenerator(2)

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id := gen.Next()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestNextString_SortsChronologically(t *testing.T) {
	gen, _ := NewGenerator(3)

	var ids []string
	for i := 0; i < 100; i++ {
		ids = append(ids, gen.NextString())
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("string ids should sort in mint order")
	}

	n, err := ParseString(ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if Format(n) != ids[0] {
		t.Errorf("Format(ParseString(%q)) = %q", ids[0], Format(n))
	}
	if _, err := ParseString("12"); err == nil {
		t.Error("ParseString should reject short ids")
	}
}

func TestTimestamp(t *testing.T) {
	gen, _ := NewGenerator(0)
	before := time.Now().Add(-time.Millisecond)
	id := gen.Next()
	ts := Timestamp(id)
	if ts.Before(before) || ts.After(time.Now().Add(time.Millisecond)) {
		t.Errorf("Timestamp() = %v, want about now", ts)
	}
}
