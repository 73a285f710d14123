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

package profile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/otium-labs/opshost/lib/transport"
	"github.com/otium-labs/opshost/lib/types"
)

// fakeRunner simulates a remote shell by pattern-matching the command text,
// mirroring the teacher's preference for hand-rolled fakes over mocks.
func fakeRunner(responses map[string]string, failing map[string]bool) runner {
	return func(ctx context.Context, command string, deadline time.Duration) (transport.CommandResult, error) {
		for pattern, fail := range failing {
			if fail && strings.Contains(command, pattern) {
				return transport.CommandResult{ExitCode: -1}, errors.New("probe failed")
			}
		}
		for pattern, out := range responses {
			if strings.Contains(command, pattern) {
				return transport.CommandResult{ExitCode: 0, Stdout: out}, nil
			}
		}
		return transport.CommandResult{ExitCode: 127, Stderr: "not found"}, nil
	}
}

func TestCaptureHappyPath(t *testing.T) {
	responses := map[string]string{
		"os-release": "ID=ubuntu\nID_LIKE=debian\nVERSION_ID=\"22.04\"\n",
		"uname":      "Linux 5.15.0-100-generic x86_64\n",
		"meminfo":    "MemTotal:       16384000 kB\nMemAvailable:    8192000 kB\n",
		"df -Pk":     "Filesystem 1K-blocks Used Available Use% Mounted\n/dev/sda1 100000 40000 60000 40% /\n",
		"command -v systemctl": "/usr/bin/systemctl\n",
		"command -v docker":    "/usr/bin/docker\n",
		"command -v curl":      "/usr/bin/curl\n",
		"ss -ltnH":             "LISTEN 0 128 0.0.0.0:22 0.0.0.0:*\nLISTEN 0 128 127.0.0.1:5432 0.0.0.0:*\n",
	}
	run := fakeRunner(responses, nil)

	var degradedProbes []string
	prof := capture(context.Background(), run, 5*time.Second, func(probe string, err error) {
		degradedProbes = append(degradedProbes, probe)
	})

	require.Equal(t, types.OSFamilyDebian, prof.OSFamily)
	require.Equal(t, "ubuntu", prof.Distribution)
	require.Equal(t, "22.04", prof.Version)
	require.Equal(t, "Linux 5.15.0-100-generic", prof.Kernel)
	require.Equal(t, "x86_64", prof.Arch)
	require.Equal(t, uint64(16384000*1024), prof.MemoryTotalBytes)
	require.Equal(t, uint64(8192000*1024), prof.MemoryAvailableBytes)
	require.Equal(t, uint64(60000*1024), prof.DiskFreeBytes)
	require.True(t, prof.HasTool("systemctl"))
	require.True(t, prof.HasTool("docker"))
	require.False(t, prof.HasTool("apk"))
	require.Equal(t, types.ServiceManagerSystemd, prof.ServiceManager)
	require.ElementsMatch(t, []types.ListeningPort{
		{Port: 22, Protocol: "tcp"},
		{Port: 5432, Protocol: "tcp"},
	}, prof.ListeningPorts())
	require.Empty(t, degradedProbes)
}

func TestCaptureDegradesOnProbeFailure(t *testing.T) {
	run := fakeRunner(nil, map[string]bool{"os-release": true, "meminfo": true})

	var degradedProbes []string
	prof := capture(context.Background(), run, 5*time.Second, func(probe string, err error) {
		degradedProbes = append(degradedProbes, probe)
	})

	require.Equal(t, types.OSFamilyUnknown, prof.OSFamily)
	require.Equal(t, uint64(0), prof.MemoryTotalBytes)
	require.Contains(t, degradedProbes, "identity")
	require.Contains(t, degradedProbes, "meminfo")
}

func TestCaptureDefaultsServiceManagerUnknownWithNoTools(t *testing.T) {
	run := fakeRunner(nil, nil)
	prof := capture(context.Background(), run, 5*time.Second, nil)
	require.Equal(t, types.ServiceManagerUnknown, prof.ServiceManager)
	require.Empty(t, prof.Tools())
}

func TestParseListeningPortsDedupesAndSkipsMalformed(t *testing.T) {
	out := "Proto Recv-Q Send-Q Local Address Foreign Address State\n" +
		"tcp 0 0 0.0.0.0:80 0.0.0.0:* LISTEN\n" +
		"tcp 0 0 0.0.0.0:80 0.0.0.0:* LISTEN\n" +
		"garbage line\n"
	ports := parseListeningPorts(out)
	require.Len(t, ports, 1)
	require.Equal(t, uint16(80), ports[0].Port)
}

func TestClassifyOSFamily(t *testing.T) {
	require.Equal(t, types.OSFamilyRHEL, classifyOSFamily("rocky", ""))
	require.Equal(t, types.OSFamilyAlpine, classifyOSFamily("alpine", ""))
	require.Equal(t, types.OSFamilyArch, classifyOSFamily("arch", ""))
	require.Equal(t, types.OSFamilyUnknown, classifyOSFamily("solaris", ""))
}
