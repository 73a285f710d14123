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

// Package profile implements the host profiler (spec C3): a small fixed
// battery of read-only probes run over a live transport handle, synthesized
// into a HostProfile. Every probe is best-effort — a failing probe degrades
// its field to a zero value rather than failing the capture.
package profile

import (
	"context"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/otium-labs/opshost/lib/transport"
	"github.com/otium-labs/opshost/lib/types"
)

// toolList is the fixed inventory checked on every host, per spec §4.3.
var toolList = []string{
	"apt", "apt-get", "dnf", "yum", "pacman", "apk", "zypper",
	"systemctl", "service", "ufw", "iptables", "nftables",
	"docker", "podman", "nginx", "curl", "wget", "jq", "git",
	"python3", "node", "make", "gcc", "tar", "gzip",
}

// ProbeRunner is the slice of transport.Handle's behavior the profiler
// depends on, narrowed to an interface so it can run against any live
// session handle (or a fake, in tests) without importing a concrete type.
type ProbeRunner interface {
	Run(ctx context.Context, command string, deadline time.Duration, opts transport.Options) (transport.CommandResult, error)
}

// runner abstracts a single probe invocation so tests can substitute a fake
// without a live SSH handle.
type runner func(ctx context.Context, command string, deadline time.Duration) (transport.CommandResult, error)

// Capture runs the full probe battery against h and returns a best-effort
// HostProfile. It never returns an error: every probe failure degrades the
// corresponding field and is reported through degraded, which the caller
// should audit-log at outcome "degraded" once per failed probe.
func Capture(ctx context.Context, h ProbeRunner, probeDeadline time.Duration, degraded func(probe string, err error)) types.HostProfile {
	run := func(ctx context.Context, command string, deadline time.Duration) (transport.CommandResult, error) {
		return h.Run(ctx, command, deadline, transport.Options{StdoutCapBytes: 64 << 10, StderrCapBytes: 4 << 10})
	}
	return capture(ctx, run, probeDeadline, degraded)
}

func capture(ctx context.Context, run runner, probeDeadline time.Duration, degraded func(probe string, err error)) types.HostProfile {
	if probeDeadline <= 0 {
		probeDeadline = 5 * time.Second
	}
	if degraded == nil {
		degraded = func(string, error) {}
	}

	osFamily, distribution, version := identityProbe(ctx, run, probeDeadline, degraded)
	kernel, arch := unameProbe(ctx, run, probeDeadline, degraded)
	memTotal, memAvail := meminfoProbe(ctx, run, probeDeadline, degraded)
	diskFree := diskProbe(ctx, run, probeDeadline, degraded)
	tools := toolProbe(ctx, run, probeDeadline, degraded)
	serviceManager := detectServiceManager(tools)
	ports := listeningPortsProbe(ctx, run, probeDeadline, degraded)

	return types.NewHostProfile(
		osFamily, distribution, version, kernel, arch,
		memTotal, memAvail, diskFree,
		serviceManager, tools, ports, time.Now(),
	)
}

func runProbe(ctx context.Context, run runner, deadline time.Duration, name, command string, degraded func(string, error)) (string, bool) {
	result, err := run(ctx, command, deadline)
	if err != nil {
		log.WithError(err).WithField("probe", name).Debug("host profile probe failed")
		degraded(name, err)
		return "", false
	}
	if result.ExitCode != 0 {
		log.WithField("probe", name).WithField("exit_code", result.ExitCode).Debug("host profile probe exited non-zero")
		degraded(name, nil)
		return "", false
	}
	return result.Stdout, true
}

func identityProbe(ctx context.Context, run runner, deadline time.Duration, degraded func(string, error)) (types.OSFamily, string, string) {
	out, ok := runProbe(ctx, run, deadline, "identity", "cat /etc/os-release", degraded)
	if !ok {
		return types.OSFamilyUnknown, "", ""
	}
	fields := parseOSRelease(out)
	return classifyOSFamily(fields["ID"], fields["ID_LIKE"]), fields["ID"], fields["VERSION_ID"]
}

func parseOSRelease(out string) map[string]string {
	fields := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[k] = strings.Trim(v, `"`)
	}
	return fields
}

func classifyOSFamily(id, idLike string) types.OSFamily {
	combined := id + " " + idLike
	switch {
	case strings.Contains(combined, "debian") || strings.Contains(combined, "ubuntu"):
		return types.OSFamilyDebian
	case strings.Contains(combined, "rhel") || strings.Contains(combined, "fedora") ||
		strings.Contains(combined, "centos") || strings.Contains(combined, "rocky") ||
		strings.Contains(combined, "almalinux"):
		return types.OSFamilyRHEL
	case strings.Contains(combined, "alpine"):
		return types.OSFamilyAlpine
	case strings.Contains(combined, "arch"):
		return types.OSFamilyArch
	case strings.Contains(combined, "suse"):
		return types.OSFamilySUSE
	default:
		return types.OSFamilyUnknown
	}
}

func unameProbe(ctx context.Context, run runner, deadline time.Duration, degraded func(string, error)) (string, string) {
	out, ok := runProbe(ctx, run, deadline, "uname", "uname -srm", degraded)
	if !ok {
		return "", ""
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 3 {
		return strings.TrimSpace(out), ""
	}
	kernel := strings.Join(fields[:len(fields)-1], " ")
	arch := fields[len(fields)-1]
	return kernel, arch
}

func meminfoProbe(ctx context.Context, run runner, deadline time.Duration, degraded func(string, error)) (uint64, uint64) {
	out, ok := runProbe(ctx, run, deadline, "meminfo", "cat /proc/meminfo", degraded)
	if !ok {
		return 0, 0
	}
	total := parseMeminfoField(out, "MemTotal")
	avail := parseMeminfoField(out, "MemAvailable")
	return total * 1024, avail * 1024
}

func parseMeminfoField(out, key string) uint64 {
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, key+":") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		n, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func diskProbe(ctx context.Context, run runner, deadline time.Duration, degraded func(string, error)) uint64 {
	out, ok := runProbe(ctx, run, deadline, "disk", "df -Pk /", degraded)
	if !ok {
		return 0
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0
	}
	availKB, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return 0
	}
	return availKB * 1024
}

func toolProbe(ctx context.Context, run runner, deadline time.Duration, degraded func(string, error)) []string {
	var present []string
	for _, tool := range toolList {
		// A non-zero exit from `command -v` means the tool is absent, which is
		// an answer rather than a probe failure; only transport errors degrade.
		result, err := run(ctx, "command -v "+tool, deadline)
		if err != nil {
			log.WithError(err).WithField("probe", "tool:"+tool).Debug("host profile probe failed")
			degraded("tool:"+tool, err)
			continue
		}
		if result.ExitCode == 0 && strings.TrimSpace(result.Stdout) != "" {
			present = append(present, tool)
		}
	}
	return present
}

func detectServiceManager(tools []string) types.ServiceManager {
	for _, t := range tools {
		if t == "systemctl" {
			return types.ServiceManagerSystemd
		}
	}
	for _, t := range tools {
		if t == "service" {
			return types.ServiceManagerSysVInit
		}
	}
	return types.ServiceManagerUnknown
}

func listeningPortsProbe(ctx context.Context, run runner, deadline time.Duration, degraded func(string, error)) []types.ListeningPort {
	out, ok := runProbe(ctx, run, deadline, "listening_ports", "ss -ltnH 2>/dev/null || netstat -ltn 2>/dev/null", degraded)
	if !ok {
		return nil
	}
	return parseListeningPorts(out)
}

func parseListeningPorts(out string) []types.ListeningPort {
	seen := map[types.ListeningPort]struct{}{}
	var ports []types.ListeningPort
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Proto") || strings.HasPrefix(line, "Active") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		// ss -ltnH: State Recv-Q Send-Q Local:Port Peer:Port ...
		// netstat -ltn: Proto Recv-Q Send-Q Local:Port Foreign:Port State
		localAddr := fields[3]
		idx := strings.LastIndexByte(localAddr, ':')
		if idx < 0 {
			continue
		}
		portStr := localAddr[idx+1:]
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			continue
		}
		lp := types.ListeningPort{Port: uint16(port), Protocol: "tcp"}
		if _, dup := seen[lp]; dup {
			continue
		}
		seen[lp] = struct{}{}
		ports = append(ports, lp)
	}
	return ports
}
