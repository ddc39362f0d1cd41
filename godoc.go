/*
Package touchfish is a minimal multi-client TCP relay. Clients send
newline-delimited text; the server frames it into lines, guesses who sent
them and lets a front-end broadcast, direct-send, kick and list.

tcpd subdirectory contains the socket pieces which know nothing about lines or
names.

registry subdirectory holds the client set which knows nothing about sockets.

The Server type is the glue between the tcpd and registry pieces.
*/
package touchfish
