package protocol

// MCPVersion is the MCP protocol version this engine speaks.
const MCPVersion = "2024-11-05"

// MCP request method names.
const (
	MethodInitialize            = "initialize"
	MethodPing                  = "ping"
	MethodToolsList             = "tools/list"
	MethodToolsCall             = "tools/call"
	MethodResourcesList         = "resources/list"
	MethodResourcesRead         = "resources/read"
	MethodResourceTemplatesList = "resources/templates/list"
	MethodPromptsList           = "prompts/list"
	MethodPromptsGet            = "prompts/get"
)

// MCP notification method names.
const (
	MethodInitialized  = "notifications/initialized"
	MethodProgress     = "notifications/progress"
	MethodMessage      = "notifications/message"
	MethodCancelled    = "notifications/cancelled"
	MethodToolsChanged = "notifications/tools/list_changed"
)
