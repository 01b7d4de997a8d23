package kdtree

import "testing"

func TestInsertAndNearest(t *testing.T) {
	tree := NewTree(2)
	points := [][]float32{{0, 0}, {5, 4}, {9, 6}, {2, 2}, {8, 1}, {7, 2}}
	for i, p := range points {
		if err := tree.Insert(p, int64(i)); err != nil {
			t.Fatalf("insert %v: %v", p, err)
		}
	}

	results, err := tree.Nearest([]float32{9, 2}, 1)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(results) != 1 || results[0].Value != 4 {
		t.Fatalf("expected nearest to point index 4 ({8,1}), got %+v", results)
	}
}

func TestNearestKReturnsSortedByDistance(t *testing.T) {
	tree := NewTree(1)
	for i, v := range []float32{1, 5, 9, 2, 8} {
		tree.Insert([]float32{v}, int64(i))
	}

	results, err := tree.Nearest([]float32{0}, 3)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Dist < results[i-1].Dist {
			t.Fatalf("results not sorted by distance: %+v", results)
		}
	}
	if results[0].Value != 0 { // point {1} is closest to {0}
		t.Fatalf("expected closest point to be index 0, got %+v", results[0])
	}
}

func TestDeleteRemovesPoint(t *testing.T) {
	tree := NewTree(2)
	tree.Insert([]float32{1, 1}, 10)
	tree.Insert([]float32{2, 2}, 20)
	tree.Insert([]float32{3, 3}, 30)

	if !tree.Delete([]float32{2, 2}, 20) {
		t.Fatalf("expected delete to succeed")
	}
	if tree.Size() != 2 {
		t.Fatalf("expected size 2 after delete, got %d", tree.Size())
	}

	results, err := tree.Nearest([]float32{2, 2}, 3)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	for _, r := range results {
		if r.Value == 20 {
			t.Fatalf("deleted point still present: %+v", r)
		}
	}
}

func TestDeleteMissingReturnsFalse(t *testing.T) {
	tree := NewTree(2)
	tree.Insert([]float32{1, 1}, 1)
	if tree.Delete([]float32{9, 9}, 1) {
		t.Fatalf("expected delete of absent point to fail")
	}
}

func TestRangeSearch(t *testing.T) {
	tree := NewTree(2)
	pts := map[int64][]float32{
		1: {1, 1}, 2: {5, 5}, 3: {9, 9}, 4: {4, 6}, 5: {-1, -1},
	}
	for v, p := range pts {
		tree.Insert(p, v)
	}

	results, err := tree.RangeSearch([]float32{0, 0}, []float32{6, 6})
	if err != nil {
		t.Fatalf("range search: %v", err)
	}

	got := make(map[int64]bool)
	for _, r := range results {
		got[r.Value] = true
	}
	for _, want := range []int64{1, 2, 4} {
		if !got[want] {
			t.Fatalf("expected value %d in range results, got %+v", want, results)
		}
	}
	for _, notWant := range []int64{3, 5} {
		if got[notWant] {
			t.Fatalf("value %d should be outside range, got %+v", notWant, results)
		}
	}
}

func TestBuildReplacesContents(t *testing.T) {
	tree := NewTree(1)
	tree.Insert([]float32{100}, 99)

	tree.Build([]Result{
		{Point: []float32{1}, Value: 1},
		{Point: []float32{2}, Value: 2},
		{Point: []float32{3}, Value: 3},
	})

	if tree.Size() != 3 {
		t.Fatalf("expected size 3 after build, got %d", tree.Size())
	}
	results, err := tree.Nearest([]float32{100}, 1)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if results[0].Value == 99 {
		t.Fatalf("stale point should be gone after Build")
	}
}

func TestSaveLoadRoundTrips(t *testing.T) {
	tree := NewTree(2)
	tree.Insert([]float32{1, 2}, 7)
	tree.Insert([]float32{3, 4}, 8)

	data, err := tree.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(data)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Size() != 2 {
		t.Fatalf("expected loaded size 2, got %d", loaded.Size())
	}
	results, err := loaded.Nearest([]float32{1, 2}, 1)
	if err != nil {
		t.Fatalf("nearest on loaded tree: %v", err)
	}
	if results[0].Value != 7 {
		t.Fatalf("expected value 7, got %+v", results[0])
	}
}

func TestDimensionMismatchErrors(t *testing.T) {
	tree := NewTree(3)
	if err := tree.Insert([]float32{1, 2}, 1); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
	if _, err := tree.Nearest([]float32{1, 2}, 1); err == nil {
		t.Fatalf("expected dimension mismatch error from Nearest")
	}
}
