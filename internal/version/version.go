package version

// Version is the current version of nicbind.
// Bump it for every release that changes binding behaviour or the store format.
const Version = "0.4.0"
