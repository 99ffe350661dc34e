package vault

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mtzanidakis/swarmbridge/internal/store"
)

// SecretPrefix marks an environment value that names a stored secret.
const SecretPrefix = "secret:"

var ErrSecretNotFound = errors.New("secret not found")

type SecretSource interface {
	GetSecretByName(name string) (*store.Secret, error)
}

// ResolveEnv returns a copy of env with every secret:<name> value replaced
// by the decrypted secret. All missing or undecryptable names are reported
// together.
func (v *Vault) ResolveEnv(src SecretSource, env map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(env))
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		val := env[k]
		name, ok := strings.CutPrefix(val, SecretPrefix)
		if !ok {
			out[k] = val
			continue
		}
		sec, err := src.GetSecretByName(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		if sec == nil {
			errs = append(errs, fmt.Errorf("%s: %w: %s", k, ErrSecretNotFound, name))
			continue
		}
		plaintext, err := v.Open(sec)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		out[k] = string(plaintext)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
