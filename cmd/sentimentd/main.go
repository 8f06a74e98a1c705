// Command sentimentd runs the Instagram sentiment analysis service: the job
// submission API, the status API, and the analysis worker pool.
package main

import "github.com/gramsight/sentiment-service/cmd"

func main() {
	cmd.Execute()
}
