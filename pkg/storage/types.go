package storage

const (
	DefaultPhotosDir = "shots"
	DefaultVideosDir = "videos"

	DefaultImageExt = ".jpg"
	DefaultVideoExt = ".avi"

	PhotoPrefix = "photo_"
	VideoPrefix = "clip_"
	// TimeLayout is second resolution: two captures in the same second share a name.
	TimeLayout = "20060102_150405"

	DefaultFilePerm = 0660
	DefaultDirPerm  = 0750
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}
