package config

import "path/filepath"

const (
	folderEnvVar     = "FOLDER"
	passphraseEnvVar = "STORAGE_PASSPHRASE"
)

type StorageConfig interface {
	GetDataFolder() string
	GetStorageFile() string
	GetStoragePassphrase() string
}

type Storage struct{}

var _ StorageConfig = Storage{}

func (Storage) GetDataFolder() string {
	return GetEnv(folderEnvVar, "./data")
}

func (s Storage) GetStorageFile() string {
	return filepath.Join(s.GetDataFolder(), "session.json")
}

// GetStoragePassphrase enables encryption at rest when set.
func (Storage) GetStoragePassphrase() string {
	return GetEnv(passphraseEnvVar, "")
}
