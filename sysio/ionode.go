//
// Copyright 2024 The attrvisor authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package sysio

import (
	"log"

	"github.com/attrvisor/attrvisor/domain"
)

func NewIOService(t domain.IOServiceType) domain.IOServiceIface {

	switch t {

	case domain.IOOsFileService:
		return newIOFileService()

	case domain.IOBufferService:
		return newIOBufferService()

	default:
		log.Panicf("Unsupported ioService required: %v", t)
	}

	return nil
}
