package common

import (
	"fmt"
	"math"
)

type integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

func checkRange[L integer](v L, max uint64, what string) {
	if v < 0 || uint64(v) > max {
		panic(fmt.Sprintf("%d overflows %s", v, what))
	}
}

func TruncU32[L integer](v L) uint32 {
	checkRange(v, math.MaxUint32, "uint32")
	return uint32(v)
}
