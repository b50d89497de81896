package util

import (
	"github.com/satori/go.uuid"
)

// UID generates a unique id
func UID() string {
	return uuid.NewV4().String()
}
