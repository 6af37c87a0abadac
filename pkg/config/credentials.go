/*
Copyright 2022 The Numaproj Authors.

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

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/numaproj/ecomflow/pkg/sinks/postgres"
)

// Defaults used when neither the environment, the credentials file nor the
// config name a value.
const (
	DefaultPostgresHost     = "localhost"
	DefaultPostgresPort     = 5432
	DefaultPostgresDatabase = "ecommerce_streaming"
	DefaultPostgresUser     = "postgres"
)

// ReadCredentialsFile parses a key=value file with # comments. Keys are
// lower cased. A missing file yields no values.
func ReadCredentialsFile(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file %s: %w", path, err)
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out, nil
}

// ResolveConnection merges the connection settings of a postgres
// destination. Precedence, highest first: the <prefix>_HOST, _PORT, _DB,
// _USER and _PASSWORD environment variables, the credentials file, the
// destination config, then the defaults.
func ResolveConnection(pc PostgresConfig, file map[string]string, lookupEnv func(string) (string, bool)) (postgres.Connection, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	c := postgres.Connection{
		Host:     DefaultPostgresHost,
		Port:     DefaultPostgresPort,
		Database: DefaultPostgresDatabase,
		User:     DefaultPostgresUser,
		SSLMode:  pc.SSLMode,
	}
	port := ""
	set := func(dst *string, values ...string) {
		for _, v := range values {
			if v != "" {
				*dst = v
			}
		}
	}
	if pc.Port != 0 {
		port = strconv.Itoa(pc.Port)
	}
	prefix := pc.CredentialsPrefix
	if prefix == "" {
		prefix = "POSTGRES"
	}
	env := func(suffix string) string {
		v, _ := lookupEnv(prefix + "_" + suffix)
		return v
	}
	set(&c.Host, pc.Host, file["host"], env("HOST"))
	set(&port, file["port"], env("PORT"))
	set(&c.Database, pc.Database, file["database"], env("DB"))
	set(&c.User, pc.User, file["user"], env("USER"))
	set(&c.Password, pc.Password, file["password"], env("PASSWORD"))
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return postgres.Connection{}, invalid("invalid postgres port %q", port)
		}
		c.Port = p
	}
	return c, nil
}
