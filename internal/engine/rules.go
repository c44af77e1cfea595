package engine

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"conveyor-plc/internal/types"
)

// DiversionRule 根据相机识别结果决定下一个物体是否分流
// 表达式可使用的变量：bin, color, size, condition
// 例如：color == "rojo" || condition != "normal"
type DiversionRule struct {
	source  string
	program *vm.Program
}

func ruleEnv(c types.Classification) map[string]interface{} {
	return map[string]interface{}{
		"bin":       int(c.Bin),
		"color":     c.Color,
		"size":      c.Size,
		"condition": c.Condition,
	}
}

// CompileDiversionRule 编译规则，空字符串表示不启用 (返回 nil)
func CompileDiversionRule(source string) (*DiversionRule, error) {
	if source == "" {
		return nil, nil
	}
	program, err := expr.Compile(source, expr.Env(ruleEnv(types.Classification{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("rule compilation failed: %w", err)
	}
	return &DiversionRule{source: source, program: program}, nil
}

// Source 返回规则原文
func (r *DiversionRule) Source() string { return r.source }

// Evaluate 对识别结果求值，返回 true 表示下一个物体应分流
func (r *DiversionRule) Evaluate(c types.Classification) (bool, error) {
	result, err := expr.Run(r.program, ruleEnv(c))
	if err != nil {
		return false, fmt.Errorf("rule execution failed: %w", err)
	}
	divert, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not a boolean")
	}
	return divert, nil
}
