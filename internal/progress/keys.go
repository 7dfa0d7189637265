package progress

import "fmt"

// Storage key layout for one render. Everything lives under a renderId-scoped
// prefix so deletion is a single prefix sweep.

// RenderPrefix is the storage prefix holding all of a render's objects.
func RenderPrefix(renderID string) string {
	return fmt.Sprintf("renders/%s/", renderID)
}

// ChunkKey is where a worker writes the media segment for one chunk.
func ChunkKey(renderID string, chunkIndex int, ext string) string {
	return fmt.Sprintf("renders/%s/chunks/chunk-%d.%s", renderID, chunkIndex, ext)
}

// PreStitchKey is an intermediate segment produced by pipelined stitching.
func PreStitchKey(renderID string, pass int, ext string) string {
	return fmt.Sprintf("renders/%s/pre/seg-%d.%s", renderID, pass, ext)
}

// ArtifactKey is the final stitched output.
func ArtifactKey(renderID, outName string) string {
	return fmt.Sprintf("renders/%s/%s", renderID, outName)
}

// SnapshotKey is the terminal progress.json mirror written to storage.
func SnapshotKey(renderID string) string {
	return fmt.Sprintf("renders/%s/progress.json", renderID)
}
