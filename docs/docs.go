// Package docs 运维 API 的 Swagger 描述，与 internal/api 处理器上的 swag 注解一致；
// 注解变更后可用 swag init -g cmd/server/main.go 重新生成。
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/commands/stats": {
            "get": {
                "security": [
                    {
                        "ApiKeyAuth": []
                    }
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "指令"
                ],
                "summary": "指令队列统计",
                "responses": {
                    "200": {
                        "description": "by_status 与 depth",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    }
                }
            }
        },
        "/api/devices/{device_id}": {
            "get": {
                "security": [
                    {
                        "ApiKeyAuth": []
                    }
                ],
                "description": "设备账本与当前在线状态",
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "设备"
                ],
                "summary": "查询设备",
                "parameters": [
                    {
                        "type": "string",
                        "description": "设备ID",
                        "name": "device_id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "device 与 online",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    },
                    "404": {
                        "description": "设备不存在",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    }
                }
            }
        },
        "/api/devices/{device_id}/commands": {
            "get": {
                "security": [
                    {
                        "ApiKeyAuth": []
                    }
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "指令"
                ],
                "summary": "查询设备指令",
                "parameters": [
                    {
                        "type": "string",
                        "description": "设备ID",
                        "name": "device_id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "type": "integer",
                        "description": "数量(默认50)",
                        "name": "limit",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "commands",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    }
                }
            },
            "post": {
                "security": [
                    {
                        "ApiKeyAuth": []
                    }
                ],
                "description": "指令持久化后排队，设备上线时按序投递",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "指令"
                ],
                "summary": "下发指令",
                "parameters": [
                    {
                        "type": "string",
                        "description": "设备ID",
                        "name": "device_id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "description": "指令类型与参数",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/api.enqueueRequest"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": "Created",
                        "schema": {
                            "$ref": "#/definitions/api.commandDTO"
                        }
                    },
                    "400": {
                        "description": "未知指令类型或参数错误",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    },
                    "404": {
                        "description": "设备不存在",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    }
                }
            }
        },
        "/api/devices/{device_id}/map": {
            "post": {
                "security": [
                    {
                        "ApiKeyAuth": []
                    }
                ],
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "设备"
                ],
                "summary": "分配站点",
                "parameters": [
                    {
                        "type": "string",
                        "description": "设备ID",
                        "name": "device_id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "description": "站点与可选计划",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/api.mapRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/api.deviceDTO"
                        }
                    },
                    "400": {
                        "description": "参数错误",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    },
                    "404": {
                        "description": "设备或站点不存在",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    }
                }
            }
        },
        "/api/devices/{device_id}/payloads": {
            "get": {
                "security": [
                    {
                        "ApiKeyAuth": []
                    }
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "设备"
                ],
                "summary": "查询设备上报",
                "parameters": [
                    {
                        "type": "string",
                        "description": "设备ID",
                        "name": "device_id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "type": "integer",
                        "description": "数量(默认50)",
                        "name": "limit",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "payloads",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    }
                }
            }
        },
        "/api/devices/{device_id}/reliability": {
            "get": {
                "security": [
                    {
                        "ApiKeyAuth": []
                    }
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "设备"
                ],
                "summary": "连通性评分",
                "parameters": [
                    {
                        "type": "string",
                        "description": "设备ID",
                        "name": "device_id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "type": "integer",
                        "description": "回看的计划唤醒次数(1..500)",
                        "name": "lookback",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "评分与等级",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    },
                    "400": {
                        "description": "lookback 越界",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    },
                    "404": {
                        "description": "设备不存在",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    }
                }
            }
        },
        "/api/devices/{device_id}/schedule": {
            "put": {
                "security": [
                    {
                        "ApiKeyAuth": []
                    }
                ],
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "设备"
                ],
                "summary": "更换唤醒计划",
                "parameters": [
                    {
                        "type": "string",
                        "description": "设备ID",
                        "name": "device_id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "description": "cron 表达式",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/api.scheduleRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "新的下一次唤醒",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    },
                    "400": {
                        "description": "表达式非法",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    },
                    "404": {
                        "description": "设备不存在",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    }
                }
            }
        },
        "/api/devices/{device_id}/wake": {
            "post": {
                "security": [
                    {
                        "ApiKeyAuth": []
                    }
                ],
                "description": "设置一次性唤醒时间，下次 ACK 时下发",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "设备"
                ],
                "summary": "手动唤醒",
                "parameters": [
                    {
                        "type": "string",
                        "description": "设备ID",
                        "name": "device_id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "description": "唤醒时间",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/api.manualWakeRequest"
                        }
                    }
                ],
                "responses": {
                    "202": {
                        "description": "已受理",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    },
                    "400": {
                        "description": "时间已过",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    },
                    "404": {
                        "description": "设备不存在",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    }
                }
            }
        },
        "/api/sessions/{id}": {
            "get": {
                "security": [
                    {
                        "ApiKeyAuth": []
                    }
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "站点与会话"
                ],
                "summary": "查询会话",
                "parameters": [
                    {
                        "type": "integer",
                        "description": "会话ID",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/api.summaryDTO"
                        }
                    },
                    "404": {
                        "description": "会话不存在",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    }
                }
            }
        },
        "/api/sessions/{id}/snapshots": {
            "get": {
                "security": [
                    {
                        "ApiKeyAuth": []
                    }
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "站点与会话"
                ],
                "summary": "查询快照",
                "parameters": [
                    {
                        "type": "integer",
                        "description": "会话ID",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "snapshots",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    }
                }
            },
            "post": {
                "security": [
                    {
                        "ApiKeyAuth": []
                    }
                ],
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "站点与会话"
                ],
                "summary": "生成快照",
                "parameters": [
                    {
                        "type": "integer",
                        "description": "会话ID",
                        "name": "id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "description": "轮次，省略时补齐",
                        "name": "request",
                        "in": "body",
                        "required": false,
                        "schema": {
                            "$ref": "#/definitions/api.snapshotRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/api.snapshotDTO"
                        }
                    },
                    "400": {
                        "description": "轮次越界",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    },
                    "404": {
                        "description": "会话不存在",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    }
                }
            }
        },
        "/api/sites": {
            "post": {
                "security": [
                    {
                        "ApiKeyAuth": []
                    }
                ],
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "站点与会话"
                ],
                "summary": "新建站点",
                "parameters": [
                    {
                        "description": "名称与时区",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/api.siteRequest"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": "站点",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    },
                    "400": {
                        "description": "时区非法",
                        "schema": {
                            "type": "object",
                            "additionalProperties": true
                        }
                    }
                }
            }
        }
    },
    "definitions": {
        "api.commandDTO": {
            "type": "object",
            "properties": {
                "acked_at": {
                    "type": "string",
                    "format": "date-time"
                },
                "delivered_at": {
                    "type": "string",
                    "format": "date-time"
                },
                "device_id": {
                    "type": "string"
                },
                "expires_at": {
                    "type": "string",
                    "format": "date-time"
                },
                "id": {
                    "type": "string"
                },
                "issued_at": {
                    "type": "string",
                    "format": "date-time"
                },
                "issued_by": {
                    "type": "string"
                },
                "kind": {
                    "type": "string"
                },
                "last_error": {
                    "type": "string"
                },
                "payload": {
                    "type": "object"
                },
                "retries": {
                    "type": "integer"
                },
                "status": {
                    "type": "string"
                }
            }
        },
        "api.deviceDTO": {
            "type": "object",
            "properties": {
                "id": {
                    "type": "string"
                },
                "last_seen_at": {
                    "type": "string",
                    "format": "date-time"
                },
                "last_wake_at": {
                    "type": "string",
                    "format": "date-time"
                },
                "manual_wake_at": {
                    "type": "string",
                    "format": "date-time"
                },
                "manual_wake_by": {
                    "type": "string"
                },
                "manual_wake_pending": {
                    "type": "boolean"
                },
                "mapped_at": {
                    "type": "string",
                    "format": "date-time"
                },
                "next_wake_at": {
                    "type": "string",
                    "format": "date-time"
                },
                "pending_images": {
                    "type": "integer"
                },
                "schedule": {
                    "type": "string"
                },
                "site_id": {
                    "type": "integer"
                },
                "status": {
                    "type": "string"
                },
                "timezone": {
                    "type": "string"
                }
            }
        },
        "api.enqueueRequest": {
            "type": "object",
            "required": [
                "kind"
            ],
            "properties": {
                "issued_by": {
                    "type": "string"
                },
                "kind": {
                    "type": "string",
                    "enum": [
                        "capture_image",
                        "send_image",
                        "set_wake_schedule",
                        "reboot",
                        "firmware_update",
                        "ping"
                    ]
                },
                "payload": {
                    "type": "object"
                }
            }
        },
        "api.manualWakeRequest": {
            "type": "object",
            "required": [
                "at"
            ],
            "properties": {
                "at": {
                    "type": "string",
                    "format": "date-time"
                },
                "requested_by": {
                    "type": "string"
                }
            }
        },
        "api.mapRequest": {
            "type": "object",
            "required": [
                "site_id"
            ],
            "properties": {
                "schedule": {
                    "type": "string"
                },
                "site_id": {
                    "type": "integer"
                }
            }
        },
        "api.scheduleRequest": {
            "type": "object",
            "required": [
                "expr"
            ],
            "properties": {
                "expr": {
                    "type": "string",
                    "example": "0 */2 * * *"
                }
            }
        },
        "api.siteRequest": {
            "type": "object",
            "required": [
                "name",
                "timezone"
            ],
            "properties": {
                "name": {
                    "type": "string"
                },
                "timezone": {
                    "type": "string",
                    "example": "Europe/Berlin"
                }
            }
        },
        "api.snapshotDTO": {
            "type": "object",
            "properties": {
                "aggregates": {
                    "type": "object"
                },
                "devices": {
                    "type": "array",
                    "items": {
                        "type": "object"
                    }
                },
                "round": {
                    "type": "integer"
                },
                "session_id": {
                    "type": "integer"
                },
                "window_end": {
                    "type": "string",
                    "format": "date-time"
                },
                "window_start": {
                    "type": "string",
                    "format": "date-time"
                }
            }
        },
        "api.snapshotRequest": {
            "type": "object",
            "properties": {
                "round": {
                    "type": "integer"
                }
            }
        },
        "api.summaryDTO": {
            "type": "object",
            "properties": {
                "completed": {
                    "type": "integer"
                },
                "day": {
                    "type": "string"
                },
                "devices": {
                    "type": "integer"
                },
                "end": {
                    "type": "string",
                    "format": "date-time"
                },
                "expected": {
                    "type": "integer"
                },
                "extra": {
                    "type": "integer"
                },
                "failed": {
                    "type": "integer"
                },
                "session_id": {
                    "type": "integer"
                },
                "site_id": {
                    "type": "integer"
                },
                "start": {
                    "type": "string",
                    "format": "date-time"
                },
                "status": {
                    "type": "string"
                },
                "timezone": {
                    "type": "string"
                }
            }
        }
    },
    "securityDefinitions": {
        "ApiKeyAuth": {
            "type": "apiKey",
            "name": "X-API-Key",
            "in": "header"
        }
    }
}`

// SwaggerInfo 导出供运行时调整 Host/BasePath
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Wake Gateway API",
	Description:      "设备唤醒网关运维 API：设备、指令、站点、会话与快照",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
