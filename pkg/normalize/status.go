package normalize

import (
	"strings"

	"comicfeed/pkg/model"
)

// statusTable 固定的状态映射，键为小写
var statusTable = map[string]model.Status{
	"ongoing":      model.StatusOngoing,
	"completed":    model.StatusCompleted,
	"finished":     model.StatusCompleted,
	"hiatus":       model.StatusHiatus,
	"cancelled":    model.StatusCancelled,
	"discontinued": model.StatusCancelled,
}

// MapStatus 不区分大小写地映射状态，未知值返回 StatusUnknown
func MapStatus(raw string, aliases map[string]model.Status) model.Status {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return model.StatusUnknown
	}
	for k, v := range aliases {
		if strings.ToLower(k) == key {
			return v
		}
	}
	if s, ok := statusTable[key]; ok {
		return s
	}
	return model.StatusUnknown
}
