package logging

// Field names shared across components
const (
	FieldService    = "service"
	FieldComponent  = "component"
	FieldSessionID  = "session_id"
	FieldRemoteAddr = "remote_addr"
	FieldUsername   = "username"
	FieldMsgType    = "msg_type"
	FieldTransport  = "transport"
)
