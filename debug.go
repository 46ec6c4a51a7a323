// Copyright (c) The go-boot authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build debug && !tamago

package main

import (
	"log"
	"net/http"
	_ "net/http/pprof"

	"github.com/arl/statsviz"
)

const debugAddr = "localhost:6060"

func init() {
	statsviz.RegisterDefault()

	go func() {
		log.Printf("debug server on http://%s/debug/statsviz", debugAddr)
		log.Println(http.ListenAndServe(debugAddr, nil))
	}()
}
