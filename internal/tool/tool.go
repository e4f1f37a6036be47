package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParamType 是参数的 JSON 类型。
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
)

// Param 描述工具的一个参数。
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// Handler 执行工具逻辑。参数在调用前已经通过校验。
type Handler func(ctx context.Context, inv *Invocation, args Args) (any, error)

// Tool 是注册到 Registry 的工具。
type Tool struct {
	Name        string
	Description string
	Params      []Param
	Handler     Handler
}

// Spec 是工具对外公开的描述，不包含处理函数。
type Spec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
}

// Spec 返回工具描述。
func (t Tool) Spec() Spec {
	return Spec{Name: t.Name, Description: t.Description, Params: append([]Param(nil), t.Params...)}
}

// JSONSchema 以 JSON Schema 对象的形式描述参数，供模型函数调用使用。
func (s Spec) JSONSchema() map[string]any {
	properties := make(map[string]any, len(s.Params))
	required := make([]string, 0, len(s.Params))
	for _, p := range s.Params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// Call 是代理发出的一次工具调用请求。
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Args 是已校验的参数集合。
type Args map[string]any

// String 返回字符串参数，缺省时返回空串。
func (a Args) String(name string) string {
	switch v := a[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Bool 返回布尔参数，缺省时返回 false。
func (a Args) Bool(name string) bool {
	v, _ := a[name].(bool)
	return v
}

// Raw 返回参数原始值。
func (a Args) Raw(name string) any {
	return a[name]
}

// Has 报告参数是否存在且非空。
func (a Args) Has(name string) bool {
	return present(a[name])
}

// validate 检查必填参数与类型。
func validate(params []Param, raw map[string]any) (Args, error) {
	args := make(Args, len(params))
	for _, p := range params {
		value, ok := raw[p.Name]
		if !ok || !present(value) {
			if p.Required {
				return nil, fmt.Errorf("missing required argument %q", p.Name)
			}
			continue
		}
		if !matches(p.Type, value) {
			return nil, fmt.Errorf("argument %q must be a %s", p.Name, p.Type)
		}
		args[p.Name] = value
	}
	return args, nil
}

func present(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	}
	return true
}

// matches 校验参数类型。数字参数额外接受可解析的数字字符串。
func matches(t ParamType, value any) bool {
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeNumber:
		switch v := value.(type) {
		case float64, float32, int, int32, int64, json.Number:
			return true
		case string:
			text := strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(v), "$"), ",", "")
			_, err := strconv.ParseFloat(text, 64)
			return err == nil
		}
		return false
	}
	return false
}
