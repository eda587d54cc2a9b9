package app

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GenerateServerID 生成网关实例ID，用作 MQTT client id
// 优先使用环境变量SERVER_ID，否则生成 wake-gateway-{hostname}-{uuid}
func GenerateServerID() string {
	if serverID := os.Getenv("SERVER_ID"); serverID != "" {
		return serverID
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	shortUUID := uuid.New().String()[:8]
	return fmt.Sprintf("wake-gateway-%s-%s", hostname, shortUUID)
}
