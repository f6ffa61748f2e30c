// Package config loads the process-wide configuration from environment
// variables: one struct, populated once at startup, passed down
// explicitly rather than read ad hoc by every package.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kiwix/zimfarm-go/internal/offliner"
)

// Dispatcher is the dispatcher process's configuration.
type Dispatcher struct {
	Username     string
	Password     string
	InitUsername string
	InitPassword string
	RSAKeyPath   string
	ListenAddr   string
}

// Worker is the task-worker process's configuration.
type Worker struct {
	DispatcherURL string
	Username      string
	Password      string

	CPU    float64
	Memory int64
	Disk   int64

	UsePublicDNS bool
	UploadURI    string
	DockerSocket string

	// Offliners is the worker's capability set.
	Offliners []string

	// Queues supplements the match query with a queue filter: a worker
	// only pulls tasks whose schedule queue is empty or in this set. Left
	// empty when ZIMFARM_QUEUES is unset, which matching treats as
	// ["default"].
	Queues []string

	WorkDirRoot         string
	DNSCacheImage       string
	LogUploaderImage    string
	UploaderImage       string
	SupervisionInterval time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func mustInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// LoadDispatcher reads DISPATCHER_USERNAME, DISPATCHER_PASSWORD,
// INIT_USERNAME, INIT_PASSWORD, RSA_KEY.
func LoadDispatcher() (Dispatcher, error) {
	d := Dispatcher{
		Username:     os.Getenv("DISPATCHER_USERNAME"),
		Password:     os.Getenv("DISPATCHER_PASSWORD"),
		InitUsername: os.Getenv("INIT_USERNAME"),
		InitPassword: os.Getenv("INIT_PASSWORD"),
		RSAKeyPath:   os.Getenv("RSA_KEY"),
		ListenAddr:   getenv("LISTEN_ADDR", ":8000"),
	}
	if d.RSAKeyPath == "" {
		return Dispatcher{}, fmt.Errorf("config: RSA_KEY is required")
	}
	return d, nil
}

// LoadWorker reads ZIMFARM_CPUS, ZIMFARM_MEMORY, ZIMFARM_DISK_SPACE,
// USE_PUBLIC_DNS, UPLOAD_URI, DOCKER_SOCKET, ZIMFARM_QUEUES.
func LoadWorker() Worker {
	w := Worker{
		DispatcherURL: getenv("DISPATCHER_URL", "https://api.farm.zimit.kiwix.org"),
		Username:      os.Getenv("ZIMFARM_USERNAME"),
		Password:      os.Getenv("ZIMFARM_PASSWORD"),

		CPU:    mustFloat("ZIMFARM_CPUS", 3),
		Memory: mustInt64("ZIMFARM_MEMORY", 4<<30),
		Disk:   mustInt64("ZIMFARM_DISK_SPACE", 100<<30),

		UsePublicDNS: mustBool("USE_PUBLIC_DNS", false),
		UploadURI:    os.Getenv("UPLOAD_URI"),
		DockerSocket: getenv("DOCKER_SOCKET", "unix:///var/run/docker.sock"),

		WorkDirRoot:         getenv("ZIMFARM_WORKDIR", "/data"),
		DNSCacheImage:       getenv("ZIMFARM_DNSCACHE_IMAGE", "ghcr.io/kiwix/dnscache:1.0.0"),
		LogUploaderImage:    getenv("ZIMFARM_LOGUPLOADER_IMAGE", "ghcr.io/openzim/zimfarm-logs-uploader:latest"),
		UploaderImage:       getenv("ZIMFARM_UPLOADER_IMAGE", "ghcr.io/openzim/zimfarm-uploader:latest"),
		SupervisionInterval: 60 * time.Second,
	}
	if q := os.Getenv("ZIMFARM_QUEUES"); q != "" {
		w.Queues = strings.Split(q, ",")
	}
	if o := os.Getenv("ZIMFARM_OFFLINERS"); o != "" {
		w.Offliners = strings.Split(o, ",")
	} else {
		w.Offliners = offliner.Names()
	}
	return w
}
