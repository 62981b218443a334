package fsdp

import (
	"fmt"

	"github.com/gomlx/fsdp/pkg/core/module"
	"github.com/pkg/errors"
)

// HookKind enumerates the forward hooks installed on sharded modules.
type HookKind int

//go:generate go tool enumer -type HookKind -output=gen_hookkind_enumer.go hooks.go

const (
	// PreForward gathers the parameters of the handles rooted at the module.
	PreForward HookKind = iota

	// PostForward reshards them, depending on the strategy.
	PostForward

	// RootPreForward prepares a new pass. It's installed only on the root.
	RootPreForward
)

// Priorities of the hooks. RootPreForward runs before any other hook of the root, even though it's
// registered last.
const (
	ForwardHookPriority        module.Priority = 0
	RootPreForwardHookPriority module.Priority = -1000
)

// Names of the hooks installed in the modules.
const (
	PreForwardHookName     = "fsdp.PreForward"
	PostForwardHookName    = "fsdp.PostForward"
	RootPreForwardHookName = "fsdp.RootPreForward"
	StateDictHookName      = "fsdp.StateDict"
	LoadStateDictHookName  = "fsdp.LoadStateDict"
)

var hookNames = []string{PreForwardHookName, PostForwardHookName, RootPreForwardHookName, StateDictHookName,
	LoadStateDictHookName}

// HookRegistration records one hook installed by FullyShard.
type HookRegistration struct {
	Module   *module.Module
	Path     string
	Kind     HookKind
	Priority module.Priority
}

// String implements fmt.Stringer.
func (r HookRegistration) String() string {
	return fmt.Sprintf("%s(%q)", r.Kind, r.Path)
}

// checkNotSharded returns ErrAlreadySharded if any of the modules already carries a State or one of
// the hooks.
func checkNotSharded(modules []*module.Module) error {
	for _, m := range modules {
		if _, found := m.Extension(StateExtensionKey); found {
			return errors.Wrapf(ErrAlreadySharded, "module %s already has a fsdp State", m)
		}
		for _, name := range hookNames {
			if m.HasHook(name) {
				return errors.Wrapf(ErrAlreadySharded, "module %s already has hook %q", m, name)
			}
		}
	}
	return nil
}

// installHooks attaches the State and registers the hooks: state-dict hooks (if configured) first,
// then PreForward and PostForward on every sharded module, and last the RootPreForward on the root.
func (s *State) installHooks() error {
	if err := checkNotSharded(s.modules); err != nil {
		return err
	}
	if hooks := s.config.StateDictHooks; hooks != nil {
		for _, m := range s.modules {
			if err := s.installStateDictHooks(m, hooks); err != nil {
				return err
			}
		}
	}
	for _, m := range s.modules {
		err := s.track(m, PreForwardHookName, m.RegisterForwardPreHook(PreForwardHookName, ForwardHookPriority,
			s.preForward))
		if err != nil {
			return err
		}
		s.registrations = append(s.registrations,
			HookRegistration{Module: m, Path: s.paths[m], Kind: PreForward, Priority: ForwardHookPriority})
		err = s.track(m, PostForwardHookName, m.RegisterForwardPostHook(PostForwardHookName, ForwardHookPriority,
			s.postForward))
		if err != nil {
			return err
		}
		s.registrations = append(s.registrations,
			HookRegistration{Module: m, Path: s.paths[m], Kind: PostForward, Priority: ForwardHookPriority})
	}
	err := s.track(s.root, RootPreForwardHookName, s.root.RegisterForwardPreHook(RootPreForwardHookName,
		RootPreForwardHookPriority, s.rootPreForward))
	if err != nil {
		return err
	}
	s.registrations = append(s.registrations,
		HookRegistration{Module: s.root, Path: "", Kind: RootPreForward, Priority: RootPreForwardHookPriority})
	s.attach()
	return nil
}

func (s *State) installStateDictHooks(m *module.Module, hooks *StateDictHooks) error {
	if hooks.Save != nil {
		if err := s.track(m, StateDictHookName, m.RegisterStateDictHook(StateDictHookName, hooks.Save)); err != nil {
			return err
		}
	}
	if hooks.LoadPre != nil {
		err := s.track(m, LoadStateDictHookName, m.RegisterLoadStateDictPreHook(LoadStateDictHookName, hooks.LoadPre))
		if err != nil {
			return err
		}
	}
	if hooks.LoadPost != nil {
		err := s.track(m, LoadStateDictHookName,
			m.RegisterLoadStateDictPostHook(LoadStateDictHookName, hooks.LoadPost))
		if err != nil {
			return err
		}
	}
	return nil
}

type installedHook struct {
	m    *module.Module
	name string
}

// track records a hook registered by installHooks, if the registration succeeded.
func (s *State) track(m *module.Module, name string, err error) error {
	if err == nil {
		s.installed = append(s.installed, installedHook{m: m, name: name})
	}
	return err
}

// uninstallHooks removes the hooks registered by installHooks and detaches the State, after a failure.
// Hooks that were already on the modules are left alone.
func (s *State) uninstallHooks() {
	for _, hook := range s.installed {
		hook.m.RemoveHook(hook.name)
	}
	s.installed = nil
	for _, m := range s.modules {
		if current, found := StateOf(m); found && current == s {
			m.SetExtension(StateExtensionKey, nil)
		}
	}
	s.registrations = nil
}
