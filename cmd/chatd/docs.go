package main

// General API documentation for swaggo. Run `make swagger-gen` to regenerate docs/.
//
// @title           chatd API
// @version         1.0
// @description     Local control API for model downloads, llama server supervision and chat.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
