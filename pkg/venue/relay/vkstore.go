/*
Copyright 2025 Google LLC

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

package relay

import (
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/wamimi/proof-of-venue-presence/pkg/venue/zkverify"
)

// VKStore persists the relayer's verification key registration record.
type VKStore interface {
	// Load returns the stored key handle, or "" if none is stored.
	Load() (string, error)
	// Save persists a registration record as returned by the relayer.
	Save(record []byte) error
}

// FileVKStore keeps the registration record in a JSON file.
type FileVKStore struct {
	Path string
}

// Load implements VKStore. A record without a handle, such as one left
// behind by a failed registration, counts as absent.
func (s FileVKStore) Load() (string, error) {
	b, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "error reading verification key record")
	}
	handle := zkverify.HandleFromBody(b)
	if handle == "" {
		glog.Warningf("verification key record %s has no vkHash, registering again", s.Path)
	}
	return handle, nil
}

// Save implements VKStore. The file is replaced atomically.
func (s FileVKStore) Save(record []byte) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "error creating verification key directory")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "error creating verification key record")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(record); err != nil {
		tmp.Close()
		return errors.Wrap(err, "error writing verification key record")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "error writing verification key record")
	}
	return errors.Wrap(os.Rename(tmp.Name(), s.Path), "error replacing verification key record")
}
