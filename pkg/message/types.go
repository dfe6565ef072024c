// Package message defines the JSON message envelope exchanged with the bridge
// and the per-session outbound message counter.
//
// Every message is a JSON object with a numeric "type_int", an optional
// monotonic counter "mc" on client-originated messages, an optional "ref"
// naming the mc being acknowledged, and a type-specific "payload" object.
package message

import "strconv"

// Type identifies a bridge message by its wire code.
type Type int

// Wire message types.
const (
	TypeNack               Type = 0
	TypeAck                Type = 1
	TypeHeartbeat          Type = 2
	TypePing               Type = 3
	TypeConnectionStart    Type = 10
	TypeConnectionConfirm  Type = 11
	TypeScInitResponse     Type = 12
	TypeConnectionDeclined Type = 13
	TypeScInitRequest      Type = 14
	TypePublicKeyResponse  Type = 15
	TypeSecretExchange     Type = 16
	TypeSecretExchangeAck  Type = 17
	TypeLoginRequest       Type = 30
	TypeLoginResponse      Type = 32
	TypeTokenApply         Type = 33
	TypeTokenApplyAck      Type = 34
	TypeTokenRenew         Type = 37
	TypeTokenRenewResponse Type = 38
	TypeRequestDevices     Type = 240
	TypeRequestRooms       Type = 242
	TypeDeviceDim          Type = 280
	TypeDeviceSwitch       Type = 281
	TypeRoomDim            Type = 283
	TypeRoomSwitch         Type = 284
	TypeActivateScene      Type = 285
	TypeErrorInfo          Type = 295
	TypeSetAllData         Type = 300
	TypeSetHomeData        Type = 303
	TypeLogData            Type = 304
	TypeStateUpdate        Type = 310
	TypeSetBridgeState     Type = 364
	TypeLogEntries         Type = 408
)

// String returns a human-readable name for the message type.
func (t Type) String() string {
	switch t {
	case TypeNack:
		return "Nack"
	case TypeAck:
		return "Ack"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypePing:
		return "Ping"
	case TypeConnectionStart:
		return "ConnectionStart"
	case TypeConnectionConfirm:
		return "ConnectionConfirm"
	case TypeScInitResponse:
		return "ScInitResponse"
	case TypeConnectionDeclined:
		return "ConnectionDeclined"
	case TypeScInitRequest:
		return "ScInitRequest"
	case TypePublicKeyResponse:
		return "PublicKeyResponse"
	case TypeSecretExchange:
		return "SecretExchange"
	case TypeSecretExchangeAck:
		return "SecretExchangeAck"
	case TypeLoginRequest:
		return "LoginRequest"
	case TypeLoginResponse:
		return "LoginResponse"
	case TypeTokenApply:
		return "TokenApply"
	case TypeTokenApplyAck:
		return "TokenApplyAck"
	case TypeTokenRenew:
		return "TokenRenew"
	case TypeTokenRenewResponse:
		return "TokenRenewResponse"
	case TypeRequestDevices:
		return "RequestDevices"
	case TypeRequestRooms:
		return "RequestRooms"
	case TypeDeviceDim:
		return "DeviceDim"
	case TypeDeviceSwitch:
		return "DeviceSwitch"
	case TypeRoomDim:
		return "RoomDim"
	case TypeRoomSwitch:
		return "RoomSwitch"
	case TypeActivateScene:
		return "ActivateScene"
	case TypeErrorInfo:
		return "ErrorInfo"
	case TypeSetAllData:
		return "SetAllData"
	case TypeSetHomeData:
		return "SetHomeData"
	case TypeLogData:
		return "LogData"
	case TypeStateUpdate:
		return "StateUpdate"
	case TypeSetBridgeState:
		return "SetBridgeState"
	case TypeLogEntries:
		return "LogEntries"
	default:
		return "Type(" + strconv.Itoa(int(t)) + ")"
	}
}
