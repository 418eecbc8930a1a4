package store

import "gorm.io/gorm"

// GetAppConfig fetches the singleton config row, creating it with defaults on
// first access.
func GetAppConfig(db *gorm.DB) (*AppConfig, error) {
	var cfg AppConfig
	err := db.Where(&AppConfig{Key: AppConfigKey}).
		Attrs(AppConfig{
			GoogleDriveEnabled:  true,
			ServerBackupEnabled: true,
			LocalBackupEnabled:  true,
			MinAppVersion:       "1.0.0",
			LatestAppVersion:    "1.0.0",
		}).
		FirstOrCreate(&cfg).Error
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
