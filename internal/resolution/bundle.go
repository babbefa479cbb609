package resolution

import (
	"fmt"
	"sort"
	"strings"
)

// Request identifies what the operator asked for.
type Request struct {
	TaskID          string `json:"task_id" yaml:"task_id"`
	Service         string `json:"service" yaml:"service"`
	OriginalRequest string `json:"original_request" yaml:"original_request"`
}

// Unit is a service manager unit observation.
type Unit struct {
	Name        string `json:"name" yaml:"name"`
	ActiveState string `json:"active_state" yaml:"active_state"` // active, inactive, failed, activating
	SubState    string `json:"sub_state,omitempty" yaml:"sub_state,omitempty"`
}

// Port is a listening socket observation.
type Port struct {
	Port    int    `json:"port" yaml:"port"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
	Process string `json:"process" yaml:"process"`
}

// Container is a container runtime observation.
type Container struct {
	Name  string `json:"name" yaml:"name"`
	Image string `json:"image,omitempty" yaml:"image,omitempty"`
	State string `json:"state" yaml:"state"` // running, exited, ...
}

// Process is a process table observation.
type Process struct {
	PID     int    `json:"pid" yaml:"pid"`
	Command string `json:"command" yaml:"command"`
}

// EvidenceBundle is everything inspection gathered about the host.
type EvidenceBundle struct {
	Units      []Unit      `json:"units,omitempty" yaml:"units,omitempty"`
	Ports      []Port      `json:"ports,omitempty" yaml:"ports,omitempty"`
	Containers []Container `json:"containers,omitempty" yaml:"containers,omitempty"`
	Processes  []Process   `json:"processes,omitempty" yaml:"processes,omitempty"`
}

// Inspection reports how far read-only inspection got.
type Inspection struct {
	Completed bool     `json:"completed" yaml:"completed"`
	Commands  []string `json:"commands,omitempty" yaml:"commands,omitempty"`
}

// Input is what every rule sees.
type Input struct {
	Request    Request
	Evidence   EvidenceBundle
	Inspection Inspection
}

// signals is the classified view of a bundle for one service.
type signals struct {
	running  []string // positive: active unit, listening port, running container
	inactive []string // matching unit that is inactive or failed
	live     []string // matching process without a positive signal
}

func (s signals) any() bool {
	return len(s.running)+len(s.inactive)+len(s.live) > 0
}

func classify(service string, b EvidenceBundle) signals {
	var s signals
	svc := strings.ToLower(strings.TrimSpace(service))
	if svc == "" {
		return s
	}
	for _, u := range b.Units {
		if !unitMatches(u.Name, svc) {
			continue
		}
		switch strings.ToLower(u.ActiveState) {
		case "active", "activating", "reloading":
			s.running = append(s.running, fmt.Sprintf("unit %s %s", u.Name, u.ActiveState))
		case "inactive", "failed", "deactivating":
			s.inactive = append(s.inactive, fmt.Sprintf("unit %s %s", u.Name, u.ActiveState))
		}
	}
	for _, p := range b.Ports {
		if strings.Contains(strings.ToLower(p.Process), svc) {
			s.running = append(s.running, fmt.Sprintf("port %d (%s)", p.Port, p.Process))
		}
	}
	for _, c := range b.Containers {
		if !strings.Contains(strings.ToLower(c.Name), svc) && !strings.Contains(strings.ToLower(c.Image), svc) {
			continue
		}
		if strings.EqualFold(c.State, "running") {
			s.running = append(s.running, fmt.Sprintf("container %s running", c.Name))
		} else {
			s.inactive = append(s.inactive, fmt.Sprintf("container %s %s", c.Name, c.State))
		}
	}
	for _, p := range b.Processes {
		if strings.Contains(strings.ToLower(p.Command), svc) {
			s.live = append(s.live, fmt.Sprintf("pid %d %s", p.PID, p.Command))
		}
	}
	sort.Strings(s.running)
	sort.Strings(s.inactive)
	sort.Strings(s.live)
	return s
}

func unitMatches(name, svc string) bool {
	n := strings.ToLower(name)
	return n == svc || n == svc+".service" || strings.TrimSuffix(n, ".service") == svc
}
