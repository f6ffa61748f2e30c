// zimfarm-dispatcherd is the dispatcher process: it owns the Task Store,
// the Scheduler/Matcher, the Reservation Service and the broadcast Hub,
// and exposes them over the REST API in internal/httpapi.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"net/http"
	"os"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/golang/glog"

	"github.com/kiwix/zimfarm-go/internal/broadcast"
	"github.com/kiwix/zimfarm-go/internal/cluster"
	"github.com/kiwix/zimfarm-go/internal/config"
	"github.com/kiwix/zimfarm-go/internal/httpapi"
	"github.com/kiwix/zimfarm-go/internal/match"
	"github.com/kiwix/zimfarm-go/internal/reserve"
	"github.com/kiwix/zimfarm-go/internal/store"
)

func main() {
	defer glog.Flush()

	cfg, err := config.LoadDispatcher()
	if err != nil {
		glog.Fatalf("dispatcherd: %v", err)
	}

	keyPEM, err := os.ReadFile(cfg.RSAKeyPath)
	if err != nil {
		glog.Fatalf("dispatcherd: read RSA_KEY: %v", err)
	}
	pubKey, err := jwt.ParseRSAPublicKeyFromPEM(keyPEM)
	if err != nil {
		glog.Fatalf("dispatcherd: parse RSA_KEY: %v", err)
	}

	s := store.New()
	m := match.New(s)
	rsv := reserve.New(s, m)
	hub := broadcast.NewHub()
	reg := cluster.NewRegistry()
	auth := httpapi.NewJWTAuthenticator(pubKey)

	srv := httpapi.NewServer(s, m, rsv, hub, reg, auth)

	glog.Infof("dispatcherd: listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, srv.Handler()); err != nil {
		glog.Fatalf("dispatcherd: %v", err)
	}
}
