package config

import (
	"reflect"

	"github.com/cockroachdb/errors"
)

// MergeConfig 合并配置：src 中非零值字段覆盖 dst 对应字段，返回 dst。
// 用于"默认配置 + 用户部分配置"的场景。
func MergeConfig[T any](dst, src *T) (*T, error) {
	if dst == nil && src == nil {
		return nil, errors.New("both dst and src are nil")
	}
	if dst == nil {
		return src, nil
	}
	if src == nil {
		return dst, nil
	}

	mergeValue(reflect.ValueOf(dst).Elem(), reflect.ValueOf(src).Elem())
	return dst, nil
}

// mergeValue 递归合并 struct 字段
func mergeValue(dst, src reflect.Value) {
	switch dst.Kind() {
	case reflect.Struct:
		for i := 0; i < dst.NumField(); i++ {
			if !dst.Field(i).CanSet() {
				continue
			}
			mergeValue(dst.Field(i), src.Field(i))
		}
	case reflect.Map:
		if src.Len() == 0 {
			return
		}
		if dst.IsNil() {
			dst.Set(reflect.MakeMapWithSize(dst.Type(), src.Len()))
		}
		iter := src.MapRange()
		for iter.Next() {
			dst.SetMapIndex(iter.Key(), iter.Value())
		}
	case reflect.Slice:
		if src.Len() > 0 {
			dst.Set(src)
		}
	case reflect.Ptr:
		if src.IsNil() {
			return
		}
		if dst.IsNil() {
			dst.Set(src)
			return
		}
		mergeValue(dst.Elem(), src.Elem())
	default:
		if !src.IsZero() {
			dst.Set(src)
		}
	}
}
