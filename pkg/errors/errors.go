package errors

import "fmt"

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type InvalidEnumValue struct {
	EnumName string
	IntValue uint8
}

func (e *InvalidEnumValue) Error() string {
	return fmt.Sprintf("Invalid enum value=%d (enum: %s)", e.IntValue, e.EnumName)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}

//
// Session lifecycle errors

type MissingTransportError struct {
	Operation string
}

func (e *MissingTransportError) Error() string {
	return fmt.Sprintf("No transport assigned, cannot %s", e.Operation)
}

type AlreadyRunningError struct {
	Operation string
	IsServer  bool
	IsClient  bool
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("Cannot %s while already running (server=%t, client=%t)", e.Operation, e.IsServer, e.IsClient)
}

type NotServerError struct {
	Operation string
}

func (e *NotServerError) Error() string {
	return fmt.Sprintf("Only the server can %s", e.Operation)
}

type NotPermittedError struct {
	Operation string
	Reason    string
}

func (e *NotPermittedError) Error() string {
	return fmt.Sprintf("Operation %s not permitted: %s", e.Operation, e.Reason)
}

type MissingPrefabError struct {
	PrefabHash uint32
}

func (e *MissingPrefabError) Error() string {
	return fmt.Sprintf("No prefab registered with hash %d", e.PrefabHash)
}

type ConfigMismatchError struct {
	ClientId         uint64
	ExpectedChecksum uint64
	ActualChecksum   uint64
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("Config checksum mismatch from client %d: expected %x, got %x", e.ClientId, e.ExpectedChecksum, e.ActualChecksum)
}
