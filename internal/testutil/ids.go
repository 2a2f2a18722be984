package testutil

import (
	"strconv"
	"sync/atomic"

	"github.com/dkeye/constellation/internal/domain"
)

// SequentialIDs yields prefix1, prefix2, ...
func SequentialIDs(prefix string) func() domain.RoomID {
	var n atomic.Int64
	return func() domain.RoomID {
		return domain.RoomID(prefix + strconv.FormatInt(n.Add(1), 10))
	}
}
