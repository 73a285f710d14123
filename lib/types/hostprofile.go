/*
Copyright 2024 Otium Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package types

import "time"

// ListeningPort is one entry of a host's listening-port inventory.
type ListeningPort struct {
	Port     uint16
	Protocol string
}

// HostProfile is an immutable snapshot of a target host's OS, resources,
// tool inventory, and service manager. Once captured for a session it is
// never mutated; re-profiling produces a new value.
type HostProfile struct {
	OSFamily      OSFamily
	Distribution  string
	Version       string
	Kernel        string
	Arch          string

	MemoryTotalBytes     uint64
	MemoryAvailableBytes uint64
	DiskFreeBytes        uint64

	ServiceManager ServiceManager

	tools          map[string]struct{}
	listeningPorts []ListeningPort

	CapturedAt time.Time
}

// NewHostProfile builds a HostProfile from the given field values, copying
// the tools set and listening-port list so the caller's backing storage can
// be reused or discarded afterward.
func NewHostProfile(
	osFamily OSFamily,
	distribution, version, kernel, arch string,
	memTotal, memAvail, diskFree uint64,
	serviceManager ServiceManager,
	tools []string,
	listeningPorts []ListeningPort,
	capturedAt time.Time,
) HostProfile {
	toolSet := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		toolSet[t] = struct{}{}
	}
	ports := make([]ListeningPort, len(listeningPorts))
	copy(ports, listeningPorts)
	return HostProfile{
		OSFamily:             osFamily,
		Distribution:         distribution,
		Version:              version,
		Kernel:               kernel,
		Arch:                 arch,
		MemoryTotalBytes:     memTotal,
		MemoryAvailableBytes: memAvail,
		DiskFreeBytes:        diskFree,
		ServiceManager:       serviceManager,
		tools:                toolSet,
		listeningPorts:       ports,
		CapturedAt:           capturedAt,
	}
}

// HasTool reports whether the named tool was detected on PATH.
func (p HostProfile) HasTool(name string) bool {
	_, ok := p.tools[name]
	return ok
}

// Tools returns a sorted-independent copy of the detected tool set; callers
// must not assume any particular order.
func (p HostProfile) Tools() []string {
	out := make([]string, 0, len(p.tools))
	for t := range p.tools {
		out = append(out, t)
	}
	return out
}

// ListeningPorts returns a copy of the captured listening-port inventory.
func (p HostProfile) ListeningPorts() []ListeningPort {
	out := make([]ListeningPort, len(p.listeningPorts))
	copy(out, p.listeningPorts)
	return out
}
