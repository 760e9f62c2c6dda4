package models

// AgentIndex 表示 agent_index.yml 的数据模型
type AgentIndex struct {
	Name         string        `json:"name,omitempty" yaml:"name"`
	Description  string        `json:"description,omitempty" yaml:"description"`
	Version      string        `json:"version,omitempty" yaml:"version"`
	McpEndpoints []McpEndpoint `json:"mcp_endpoints" yaml:"mcp_endpoints"`
}

// McpEndpoint 表示索引中声明的一个端点
type McpEndpoint struct {
	ID          string  `json:"id" yaml:"id"`
	Label       string  `json:"label" yaml:"label"`
	Description string  `json:"description" yaml:"description"`
	PromptFile  string  `json:"prompt_file" yaml:"prompt_file"`
	Trigger     *string `json:"trigger,omitempty" yaml:"trigger"`
	Category    *string `json:"category,omitempty" yaml:"category"`
}

// Prompt 表示端点对应的提示词内容
type Prompt struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
	FilePath    string `json:"-"`
}

// AgentLibrary 表示解析后的 agent library
type AgentLibrary struct {
	Index    AgentIndex `json:"index"`
	BasePath string     `json:"-"`
	Prompts  []Prompt   `json:"prompts"`
}

// Clone 返回深拷贝，缓存中的实例不会被调用方修改
func (l AgentLibrary) Clone() AgentLibrary {
	out := AgentLibrary{
		Index:    l.Index,
		BasePath: l.BasePath,
	}
	if l.Index.McpEndpoints != nil {
		out.Index.McpEndpoints = make([]McpEndpoint, len(l.Index.McpEndpoints))
		copy(out.Index.McpEndpoints, l.Index.McpEndpoints)
	}
	if l.Prompts != nil {
		out.Prompts = make([]Prompt, len(l.Prompts))
		copy(out.Prompts, l.Prompts)
	}
	return out
}

// FindPrompt 根据 id 查找提示词
func (l AgentLibrary) FindPrompt(id string) (Prompt, bool) {
	for _, p := range l.Prompts {
		if p.ID == id {
			return p, true
		}
	}
	return Prompt{}, false
}
