/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package connector

import "context"

// InvokeFunc adapts a function to the Connector interface.
type InvokeFunc func(ctx context.Context, action string, inputs map[string]any) (map[string]any, error)

// Func is a Connector backed by a single function. It exists for
// in-process actions and tests.
type Func struct {
	ConnectorName string
	Desc          string
	ActionNames   []string
	Fn            InvokeFunc
}

func (f *Func) Name() string        { return f.ConnectorName }
func (f *Func) Description() string { return f.Desc }
func (f *Func) Actions() []string   { return f.ActionNames }

func (f *Func) Invoke(ctx context.Context, action string, inputs map[string]any) (map[string]any, error) {
	return f.Fn(ctx, action, inputs)
}
