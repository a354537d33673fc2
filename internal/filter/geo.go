package filter

import "math"

// PointInPolygon reports whether p lies inside the closed ring of vertices,
// using ray casting along the line of constant latitude through p.
// If any edge spans more than 180 degrees of longitude the ring is taken to
// cross the antimeridian, and the ring and p are moved onto the 0..360 branch
// before crossings are computed.
func PointInPolygon(p Point, ring []Point) bool {

	n := len(ring)
	if n < 3 {
		return false
	}

	lngs := make([]float64, n)
	for i, v := range ring {
		lngs[i] = v.Lng
	}
	lng := p.Lng

	if crossesAntimeridian(ring) {
		for i := range lngs {
			lngs[i] = unwrap(lngs[i])
		}
		lng = unwrap(lng)
	}

	inside := false

	for i, j := 0, n-1; i < n; j, i = i, i+1 {

		lati, latj := ring[i].Lat, ring[j].Lat

		if (lati > p.Lat) != (latj > p.Lat) {
			cross := (lngs[j]-lngs[i])*(p.Lat-lati)/(latj-lati) + lngs[i]
			if lng < cross {
				inside = !inside
			}
		}
	}

	return inside
}

func crossesAntimeridian(ring []Point) bool {
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		if math.Abs(ring[i].Lng-ring[j].Lng) > 180 {
			return true
		}
	}
	return false
}

func unwrap(lng float64) float64 {
	if lng < 0 {
		return lng + 360
	}
	return lng
}
