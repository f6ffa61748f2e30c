// Package offliner builds the scraper container's argv and mount point for
// each supported offliner kind. The registry is a name-keyed map guarded
// by a mutex, looked up once per task rather than branching on a giant
// switch scattered through the orchestrator.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package offliner

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kiwix/zimfarm-go/cmn"
)

// Builder constructs the argv for one offliner kind given its flags and
// the in-container mount point.
type Builder func(flags map[string]interface{}, mountPoint string) []string

type registry struct {
	mtx    sync.RWMutex
	byName map[string]entry
}

type entry struct {
	mountPoint string
	build      Builder
	extraHosts dockerOpts
}

// dockerOpts mirrors the "Docker extra options per offliner".
type dockerOpts struct {
	CapAdd []string
	ShmMin int64 // minimum shm this offliner wants, before clamping to resources.memory
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{byName: make(map[string]entry)}
}

func (r *registry) put(name, mountPoint string, opts dockerOpts, b Builder) {
	cmn.Assert(name != "")
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.byName[name] = entry{mountPoint: mountPoint, build: b, extraHosts: opts}
}

func (r *registry) get(name string) (entry, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

// Names lists every registered offliner kind, sorted, mainly for CLI
// completion and validation error messages.
func Names() []string {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	out := make([]string, 0, len(reg.byName))
	for n := range reg.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func init() {
	reg.put("mwoffliner", "/output", dockerOpts{}, func(flags map[string]interface{}, mp string) []string {
		f := copyFlags(flags)
		f["outputDirectory"] = mp
		return append([]string{"mwoffliner"}, serializeFlags(f, true)...)
	})
	reg.put("youtube", "/output", dockerOpts{}, func(flags map[string]interface{}, mp string) []string {
		f := copyFlags(flags)
		f["output"] = mp
		return append([]string{"youtube2zim-playlists"}, serializeFlags(f, true)...)
	})
	reg.put("ted", "/output", dockerOpts{}, func(flags map[string]interface{}, mp string) []string {
		f := copyFlags(flags)
		f["output"] = mp
		return append([]string{"ted2zim-multi"}, serializeFlags(f, true)...)
	})
	reg.put("openedx", "/output", dockerOpts{}, func(flags map[string]interface{}, mp string) []string {
		f := copyFlags(flags)
		f["output"] = mp
		return append([]string{"openedx2zim"}, serializeFlags(f, true)...)
	})
	reg.put("nautilus", "/output", dockerOpts{}, func(flags map[string]interface{}, mp string) []string {
		f := copyFlags(flags)
		f["output"] = mp
		return append([]string{"nautiluszim"}, serializeFlags(f, true)...)
	})
	reg.put("gutenberg", "/output", dockerOpts{}, func(flags map[string]interface{}, mp string) []string {
		f := copyFlags(flags)
		if truthy(f["one-language-one-zim"]) {
			f["one-language-one-zim"] = mp
		} else {
			delete(f, "one-language-one-zim")
		}
		return append([]string{"gutenberg2zim"}, serializeFlags(f, true)...)
	})
	reg.put("phet", "/phet/dist", dockerOpts{}, func(_ map[string]interface{}, _ string) []string {
		return []string{"bash", "-c", "cd /phet && npm i && npm start"}
	})
	reg.put("sotoki", "/work", dockerOpts{}, func(flags map[string]interface{}, mp string) []string {
		f := copyFlags(flags)
		domain, _ := f["domain"].(string)
		delete(f, "domain")
		publisher, ok := f["publisher"].(string)
		if !ok || publisher == "" {
			publisher = "Kiwix"
		}
		delete(f, "publisher")
		argv := []string{"sotoki", domain, publisher}
		return append(argv, serializeFlags(f, true)...)
	})
	reg.put("zimit", "/output", dockerOpts{CapAdd: []string{"SYS_ADMIN", "NET_ADMIN"}, ShmMin: 1 << 30}, func(flags map[string]interface{}, mp string) []string {
		f := copyFlags(flags)
		if _, ok := f["adminEmail"]; !ok {
			f["adminEmail"] = "contact+zimfarm@kiwix.org"
		}
		f["statsFilename"] = "/output/task_progress.json"
		f["output"] = mp
		return append([]string{"zimit"}, serializeFlags(f, true)...)
	})
}

func copyFlags(flags map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(flags))
	for k, v := range flags {
		out[k] = v
	}
	return out
}

func truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

// CommandFor implements `command_for(offliner, flags, mount_point)`:
// a pure function of its inputs, argv[0] plus the
// flags serialized the way each offliner expects.
func CommandFor(offlinerName string, flags map[string]interface{}) ([]string, string, error) {
	e, ok := reg.get(offlinerName)
	if !ok {
		return nil, "", cmn.NewValidationError("unknown offliner %q", offlinerName)
	}
	return e.build(flags, e.mountPoint), e.mountPoint, nil
}

// DockerOptions returns the extra docker run options for the given
// offliner, with shm combined by max with the schedule's own shm
// request and then clamped to resources.memory.
func DockerOptions(offlinerName string, scheduleShm, memory int64) (capAdd []string, shm int64, err error) {
	e, ok := reg.get(offlinerName)
	if !ok {
		return nil, 0, cmn.NewValidationError("unknown offliner %q", offlinerName)
	}
	shm = scheduleShm
	if e.extraHosts.ShmMin > shm {
		shm = e.extraHosts.ShmMin
	}
	if shm > memory {
		shm = memory
	}
	return e.extraHosts.CapAdd, shm, nil
}

// serializeFlags implements the flag serialization rule:
// True -> --key ; False -> omitted ; list -> repeated --key="item" ;
// scalar -> --key="value" ; use_equals=false emits --key value pairs
// instead. Output order is sorted by key so CommandFor stays pure and
// deterministic.
func serializeFlags(flags map[string]interface{}, useEquals bool) []string {
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var argv []string
	for _, k := range keys {
		v := flags[k]
		switch val := v.(type) {
		case bool:
			if val {
				argv = append(argv, "--"+k)
			}
		case []interface{}:
			for _, item := range val {
				argv = append(argv, flagPair(k, fmt.Sprint(item), useEquals)...)
			}
		case []string:
			for _, item := range val {
				argv = append(argv, flagPair(k, item, useEquals)...)
			}
		default:
			argv = append(argv, flagPair(k, fmt.Sprint(val), useEquals)...)
		}
	}
	return argv
}

func flagPair(key, value string, useEquals bool) []string {
	if useEquals {
		return []string{fmt.Sprintf("--%s=\"%s\"", key, value)}
	}
	return []string{"--" + key, value}
}
