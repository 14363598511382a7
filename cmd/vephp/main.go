// vephp is the persistent worker daemon: it keeps a pool of interpreter
// processes alive behind a local socket so the server pays spawn cost
// once, not per request.
package main

func main() {
	Execute()
}
