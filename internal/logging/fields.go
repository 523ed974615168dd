package logging

const (
	// Connection
	FieldClientID = "client_id"
	FieldNickname = "nickname"
	FieldRole     = "role"
	FieldRemote   = "remote_addr"

	// Media processes
	FieldProcess  = "process"
	FieldPID      = "pid"
	FieldPort     = "port"
	FieldStream   = "stream"
	FieldExitCode = "exit_code"
	FieldRestarts = "restarts"

	// Session
	FieldState = "state"
)
