// Package steamcmd owns the SteamCMD console tool: detecting an installation,
// bootstrapping it from the Valve CDN, verifying it actually runs, and
// invoking it as a subprocess.
//
// Readiness has a single contract everywhere: the platform's required files
// exist AND a "+quit" probe exits successfully. A binary that is present but
// corrupt or built for the wrong architecture is therefore not ready.
package steamcmd
