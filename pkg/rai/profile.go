// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rai

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/batchflow/pkg/errors"
)

// Profile holds the credentials and endpoints for one remote account, as
// stored in the SDK credential file (one "[name]" section per profile, with
// "key = value" lines).
type Profile struct {
	// Host is the API host, e.g. "azure.relationalai.com".
	Host string

	// ClientID and ClientSecret are the OAuth client credentials.
	ClientID     string
	ClientSecret string

	// ClientCredentialsURL is the OAuth token endpoint.
	ClientCredentialsURL string
}

// DefaultClientCredentialsURL is used when the profile omits the token endpoint.
const DefaultClientCredentialsURL = "https://login.relationalai.com/oauth/token"

// LoadProfile reads the named profile from the credential file at path.
// A leading "~/" in path expands to the user home directory.
func LoadProfile(path, name string) (*Profile, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, &errors.ConfigError{Key: "rai_profile_path", Reason: "cannot resolve home directory", Cause: err}
		}
		path = filepath.Join(home, path[2:])
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &errors.ConfigError{Key: "rai_profile_path", Reason: fmt.Sprintf("cannot open credential file %q", path), Cause: err}
	}
	defer f.Close()

	values, err := scanProfile(f, name)
	if err != nil {
		return nil, err
	}
	if values == nil {
		return nil, &errors.ConfigError{Key: "rai_profile", Reason: fmt.Sprintf("profile %q not found in %q", name, path)}
	}

	p := &Profile{
		Host:                 values["host"],
		ClientID:             values["client_id"],
		ClientSecret:         values["client_secret"],
		ClientCredentialsURL: values["client_credentials_url"],
	}
	if p.Host == "" {
		p.Host = "azure.relationalai.com"
	}
	if p.ClientCredentialsURL == "" {
		p.ClientCredentialsURL = DefaultClientCredentialsURL
	}
	if p.ClientID == "" || p.ClientSecret == "" {
		return nil, &errors.ConfigError{Key: "rai_profile", Reason: fmt.Sprintf("profile %q is missing client credentials", name)}
	}
	return p, nil
}

// scanProfile extracts the key/value pairs of one "[name]" section.
// Returns nil when the section is absent.
func scanProfile(f *os.File, name string) (map[string]string, error) {
	var values map[string]string
	inSection := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			inSection = strings.TrimSpace(line[1:len(line)-1]) == name
			if inSection && values == nil {
				values = make(map[string]string)
			}
			continue
		}
		if !inSection {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	if err := scanner.Err(); err != nil {
		return nil, &errors.ConfigError{Key: "rai_profile_path", Reason: "failed reading credential file", Cause: err}
	}
	return values, nil
}
