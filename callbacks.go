package go_otdoa

// EngineCallbacks report the outcome of requests that have no caller
// waiting on them. Either field may be nil.
type EngineCallbacks struct {
	OnDownloadComplete func(status DownloadStatus)
	OnUploadComplete   func(status DownloadStatus)
	OnConfigComplete   func(status DownloadStatus)
}

func (c *EngineCallbacks) downloadComplete(status DownloadStatus) {
	Debug("Download complete: %s", status)
	if c.OnDownloadComplete != nil {
		c.OnDownloadComplete(status)
	}
}

func (c *EngineCallbacks) uploadComplete(status DownloadStatus) {
	Debug("Upload complete: %s", status)
	if c.OnUploadComplete != nil {
		c.OnUploadComplete(status)
	}
}

func (c *EngineCallbacks) configComplete(status DownloadStatus) {
	Debug("Config download complete: %s", status)
	if c.OnConfigComplete != nil {
		c.OnConfigComplete(status)
	}
}
