package utils

import (
	"github.com/google/uuid"
)

// GetUUID 生成监听器、在途命令等对象的id
func GetUUID() string {
	return uuid.NewString()
}
