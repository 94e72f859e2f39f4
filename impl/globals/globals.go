package globals

// BlobsDir is the subdirectory under a directory store where blobs are stored
const BlobsDir = "blobs"

// TempDir is the subdirectory under a directory store where in-progress blob
// uploads are staged
const TempDir = "temp"

// RepositoriesDir is the subdirectory under a directory store holding one
// directory per repository
const RepositoriesDir = "repositories"

// Version is set by the build
var Version = "dev"
