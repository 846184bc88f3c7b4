package detector

import (
	"sort"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// suppress keeps the highest-confidence candidate of every group whose
// pairwise IoU exceeds threshold. Output is ordered by confidence.
func suppress(cands []candidate, threshold float64) []candidate {
	sorted := append([]candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].confidence > sorted[j].confidence
	})

	kept := make([]candidate, 0, len(sorted))
	for _, c := range sorted {
		overlaps := false
		for _, k := range kept {
			if c.box.IoU(k.box) > threshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	return kept
}

// MapBox converts a box from a (fromW x fromH) working image into a
// (toW x toH) source image. The left/top edge is floored and the
// right/bottom edge ceiled so the mapped box always covers the region,
// then clamped to the source bounds.
func MapBox(b types.BBox, fromW, fromH, toW, toH int) types.BBox {
	if fromW <= 0 || fromH <= 0 || (fromW == toW && fromH == toH) {
		return clampBox(b, toW, toH)
	}
	x0 := floorScale(b.X, toW, fromW)
	y0 := floorScale(b.Y, toH, fromH)
	x1 := ceilScale(b.X+b.W, toW, fromW)
	y1 := ceilScale(b.Y+b.H, toH, fromH)
	return clampBox(types.BBox{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}, toW, toH)
}

func floorScale(v, num, den int) int {
	return v * num / den
}

func ceilScale(v, num, den int) int {
	return (v*num + den - 1) / den
}

func clampBox(b types.BBox, w, h int) types.BBox {
	x0 := min(max(b.X, 0), w)
	y0 := min(max(b.Y, 0), h)
	x1 := min(max(b.X+b.W, x0), w)
	y1 := min(max(b.Y+b.H, y0), h)
	return types.BBox{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}
