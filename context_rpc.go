// Copyright 2026 The QMI-sub000 Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package qmi

import (
	"os"

	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
)

// contextObject is the internal "$context" RPC object every Context
// registers during Start, the Go counterpart of
// original_source/qmi/core/context.py's _ContextRpcObject. Its
// methods all share rpccore's fixed adapter signature.
type contextObject struct {
	c *Context
}

func (o *contextObject) RpcMethods() []string {
	return []string{
		"GetVersion",
		"GetPid",
		"GetRpcObjectDescriptors",
		"GetRpcObjectDescriptor",
		"ShutdownContext",
	}
}

func (o *contextObject) GetVersion(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return Version, nil
}

func (o *contextObject) GetPid(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return os.Getpid(), nil
}

func (o *contextObject) GetRpcObjectDescriptors(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return o.c.RpcObjectDescriptors(), nil
}

func (o *contextObject) GetRpcObjectDescriptor(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, cerror.ErrUsage.GenWithStackByArgs("GetRpcObjectDescriptor requires an object name")
	}
	name, _ := args[0].(string)
	desc, ok := o.c.RpcObjectDescriptor(name)
	if !ok {
		return nil, cerror.ErrUnknownName.GenWithStackByArgs(name)
	}
	return desc, nil
}

func (o *contextObject) ShutdownContext(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	hard := false
	if len(args) > 0 {
		if b, ok := args[0].(bool); ok {
			hard = b
		}
	}
	o.c.shutdownContext(hard)
	return nil, nil
}
