package loadbalancer

import "testing"

func TestRoundRobinCyclesAcrossHealthyOnly(t *testing.T) {
	rr := &RoundRobin{}
	set := []InstanceInfo{
		{InstanceID: 0, Healthy: true},
		{InstanceID: 1, Healthy: false},
		{InstanceID: 2, Healthy: true},
	}
	seen := map[int]int{}
	for i := 0; i < 6; i++ {
		picked, ok := rr.Pick(set)
		if !ok {
			t.Fatal("expected a pick")
		}
		if !picked.Healthy {
			t.Fatalf("round robin must never pick an unhealthy instance: %+v", picked)
		}
		seen[picked.InstanceID]++
	}
	if seen[0] != 3 || seen[2] != 3 {
		t.Fatalf("expected even distribution across healthy instances, got %v", seen)
	}
}

func TestPickReturnsFalseWhenNoneHealthy(t *testing.T) {
	for _, sel := range []Selector{&RoundRobin{}, &Random{}, &LeastConnections{}, &LeastCPU{}, &LeastMemory{}, &IPHash{}, &Weighted{}} {
		_, ok := sel.Pick([]InstanceInfo{{InstanceID: 0, Healthy: false}})
		if ok {
			t.Fatalf("%T: expected no pick when no instance is healthy", sel)
		}
	}
}

func TestLeastConnectionsPicksMinimum(t *testing.T) {
	lc := &LeastConnections{}
	set := []InstanceInfo{
		{InstanceID: 0, Healthy: true, Connections: 5},
		{InstanceID: 1, Healthy: true, Connections: 1},
		{InstanceID: 2, Healthy: true, Connections: 3},
	}
	picked, ok := lc.Pick(set)
	if !ok || picked.InstanceID != 1 {
		t.Fatalf("expected instance 1 (fewest connections), got %+v", picked)
	}
}

func TestLeastCPUPicksMinimum(t *testing.T) {
	lcpu := &LeastCPU{}
	set := []InstanceInfo{
		{InstanceID: 0, Healthy: true, CPUPercent: 80},
		{InstanceID: 1, Healthy: true, CPUPercent: 10},
	}
	picked, ok := lcpu.Pick(set)
	if !ok || picked.InstanceID != 1 {
		t.Fatalf("expected instance 1 (lowest cpu), got %+v", picked)
	}
}

func TestIPHashPickKeyIsDeterministic(t *testing.T) {
	ih := IPHash{}
	set := []InstanceInfo{
		{InstanceID: 0, Healthy: true},
		{InstanceID: 1, Healthy: true},
		{InstanceID: 2, Healthy: true},
	}
	a, _ := ih.PickKey(set, "203.0.113.5")
	b, _ := ih.PickKey(set, "203.0.113.5")
	if a.InstanceID != b.InstanceID {
		t.Fatalf("expected same key to hash to same instance, got %d vs %d", a.InstanceID, b.InstanceID)
	}
}

func TestWeightedFavorsHigherWeight(t *testing.T) {
	w := &Weighted{}
	set := []InstanceInfo{
		{InstanceID: 0, Healthy: true, Weight: 99},
		{InstanceID: 1, Healthy: true, Weight: 1},
	}
	counts := map[int]int{}
	for i := 0; i < 200; i++ {
		picked, _ := w.Pick(set)
		counts[picked.InstanceID]++
	}
	if counts[0] <= counts[1] {
		t.Fatalf("expected instance 0 to be picked far more often, got %v", counts)
	}
}

func TestNewFallsBackToRoundRobin(t *testing.T) {
	sel := New("nonexistent-strategy")
	if _, ok := sel.(*RoundRobin); !ok {
		t.Fatalf("expected fallback to RoundRobin, got %T", sel)
	}
}
