package main

/*
#include <stdlib.h>
#include <string.h>
*/
import "C"
import (
	"context"
	"encoding/json"
	"unsafe"

	"offline-cache/src/api"
	"offline-cache/src/config"
	"offline-cache/src/logging"
)

// C library interface for embedding hosts.

//export Init
func Init(baseDir *C.char, origin *C.char, version *C.char) C.int {
	cfg, err := config.Load()
	if err != nil {
		return 0
	}
	cfg.BaseDir = C.GoString(baseDir)
	cfg.Origin = C.GoString(origin)
	if v := C.GoString(version); v != "" {
		cfg.Version = v
	}

	logger := logging.New(nil, logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := openSession(context.Background(), cfg, logger); err != nil {
		logger.Error("failed to initialize cache", err, nil)
		return 0
	}
	return 1
}

//export Stats
func Stats(resultLen *C.int) *C.char {
	var data []byte
	err := withSession(func(s *api.Service) error {
		st, err := s.GetStats()
		if err != nil {
			return err
		}
		data, err = json.Marshal(st)
		return err
	})
	if err != nil || len(data) == 0 {
		*resultLen = 0
		return nil
	}

	*resultLen = C.int(len(data))
	return (*C.char)(C.CBytes(data))
}

//export Has
func Has(url *C.char) C.int {
	var ok bool
	err := withSession(func(s *api.Service) error {
		var err error
		ok, err = s.Has(C.GoString(url))
		return err
	})
	if err != nil || !ok {
		return 0
	}
	return 1
}

//export ClearAll
func ClearAll() C.int {
	if err := withSession(func(s *api.Service) error { return s.ClearAll() }); err != nil {
		return 0
	}
	return 1
}

//export Close
func Close() C.int {
	if err := closeSession(); err != nil {
		return 0
	}
	return 1
}

//export FreeMem
func FreeMem(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}
