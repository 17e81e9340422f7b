package utils

// StagingKey returns the object key a run uploads to before the archive is
// promoted to key. The key is fixed so a staging object left behind by a
// failed promote is overwritten by the next upload.
func StagingKey(key string) string {
	return key + ".staging"
}
