// Package fileprovider defines the file contracts exposed to the streaming
// server (FilePath, File) and the error taxonomy shared by every layer of the
// origin cache: not-found, access, insecure path, closed file, out-of-date
// data and unavailable origin are all specialisations of ErrFile.
package fileprovider
