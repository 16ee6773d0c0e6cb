package adapter

// DoWithKeys invokes fn with the first key, advancing to the second once when
// the upstream rejects the key outright (auth failure or rate limit). The
// snapshot already ordered keys round-robin, so a single fallback attempt is
// enough: a third bad key means the provider's credentials are broken, not
// unlucky.
func DoWithKeys(keys []string, fn func(key string) error) error {
	if len(keys) == 0 {
		return fn("")
	}
	err := fn(keys[0])
	if err == nil || len(keys) < 2 || !Rotatable(err) {
		return err
	}
	return fn(keys[1])
}
