package models

// TreeNode is one addressable node of a context tree.
type TreeNode struct {
	NodeID  string `json:"node_id"`
	Summary string `json:"summary,omitempty"`
}

// ContextTree is a navigable summary tree over one knowledge domain.
type ContextTree struct {
	Tree  string     `json:"tree"`
	Nodes []TreeNode `json:"nodes"`
}

// ActionRef is an action/tool pair advertised to the planner.
type ActionRef struct {
	ActionID string `json:"action_id"`
	Tool     string `json:"tool"`
}

// ContextPack is the hydrated context handed to the planner: the task
// framing, the selected nodes, and the available action space.
type ContextPack struct {
	Type        string         `json:"type"`
	PackID      string         `json:"pack_id"`
	TenantID    string         `json:"tenant_id"`
	Task        map[string]any `json:"task"`
	NodeList    []string       `json:"node_list"`
	ActionSpace []ActionRef    `json:"action_space"`
}
