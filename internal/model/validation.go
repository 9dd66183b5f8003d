package model

import "sort"

// ValidationResult 校验结果：Errors 的键为 FieldRef.Key() 或结构性错误键
type ValidationResult struct {
	OK     bool              `json:"ok"`
	Errors map[string]string `json:"errors"`
}

// NewValidationResult 空结果
func NewValidationResult() *ValidationResult {
	return &ValidationResult{OK: true, Errors: map[string]string{}}
}

// Add 追加一条错误
func (v *ValidationResult) Add(key, message string) {
	v.Errors[key] = message
	v.OK = false
}

// Keys 排序后的错误键
func (v *ValidationResult) Keys() []string {
	keys := make([]string, 0, len(v.Errors))
	for k := range v.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
